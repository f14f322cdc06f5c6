package redisconn

import (
	"context"
	"sync"

	"github.com/kernel0/aioredis/internal/glob"
	"github.com/kernel0/aioredis/redis"
)

// Message is a single pub/sub message delivered to a Channel.
type Message struct {
	// Channel the message were published to.
	Channel string
	// Pattern is the subscription pattern that matched, empty for exact
	// subscriptions.
	Pattern string
	// Payload of the message.
	Payload []byte
}

// Channel is a named mailbox of pub/sub messages.
//
// It is created by Connection.Subscribe / Connection.PSubscribe, and the same
// instance is returned for repeated subscriptions to the same name. Messages
// are appended by the connection reader loop in arrival order and consumed in
// FIFO order by any number of reader goroutines.
//
// The mailbox is unbounded: the reader loop must never block on delivery,
// since a stalled reader stalls every reply on the connection. A consumer
// that cannot keep up grows the mailbox; bounding or dropping is left to the
// consumer.
type Channel struct {
	name    string
	pattern *glob.Pattern // non-nil for pattern subscriptions

	mu     sync.Mutex
	refcnt int
	closed bool
	box    []Message
	wake   chan struct{} // cap 1; consumers re-signal while work remains
}

func newChannel(name string, pattern bool) *Channel {
	ch := &Channel{
		name:   name,
		refcnt: 1,
		wake:   make(chan struct{}, 1),
	}
	if pattern {
		ch.pattern = glob.Compile(name)
	}
	return ch
}

// Name returns the channel name or subscription pattern.
func (ch *Channel) Name() string { return ch.name }

// Pattern returns true if this is a pattern subscription.
func (ch *Channel) Pattern() bool { return ch.pattern != nil }

// Closed returns true once the last subscription to this channel were
// dropped (or the connection died). Messages already in the mailbox are
// still readable with TryGet.
func (ch *Channel) Closed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Get pops the oldest message, suspending while the mailbox is empty.
// Once the channel is closed and drained it returns ErrChannelClosed,
// permitting a plain "loop until error" consumer. Cancelling the context
// returns ErrRequestCancelled.
func (ch *Channel) Get(ctx context.Context) (Message, error) {
	for {
		ch.mu.Lock()
		if len(ch.box) > 0 {
			m := ch.box[0]
			ch.box[0] = Message{}
			ch.box = ch.box[1:]
			again := len(ch.box) > 0 || ch.closed
			ch.mu.Unlock()
			if again {
				ch.signal()
			}
			return m, nil
		}
		if ch.closed {
			ch.mu.Unlock()
			// pass the wakeup on so every other waiter unblocks too
			ch.signal()
			return Message{}, redis.ErrChannelClosed.NewWithNoMessage().
				WithProperty(redis.EKChannel, ch.name)
		}
		ch.mu.Unlock()

		select {
		case <-ch.wake:
		case <-ctx.Done():
			return Message{}, redis.ErrRequestCancelled.WrapWithNoMessage(ctx.Err())
		}
	}
}

// TryGet pops the oldest message without suspending.
func (ch *Channel) TryGet() (Message, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.box) == 0 {
		return Message{}, false
	}
	m := ch.box[0]
	ch.box[0] = Message{}
	ch.box = ch.box[1:]
	return m, true
}

// WaitMessage suspends until the mailbox is non-empty, and reports whether a
// message became available. It returns false once the channel is closed and
// drained, or when the context is cancelled.
func (ch *Channel) WaitMessage(ctx context.Context) bool {
	for {
		ch.mu.Lock()
		n := len(ch.box)
		closed := ch.closed
		ch.mu.Unlock()
		if n > 0 {
			ch.signal()
			return true
		}
		if closed {
			ch.signal()
			return false
		}
		select {
		case <-ch.wake:
		case <-ctx.Done():
			return false
		}
	}
}

// publish is called by the reader loop only. It must never block.
func (ch *Channel) publish(m Message) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.box = append(ch.box, m)
	ch.mu.Unlock()
	ch.signal()
}

// retain increments subscriber count for a repeated subscription.
func (ch *Channel) retain() {
	ch.mu.Lock()
	ch.refcnt++
	ch.mu.Unlock()
}

// release decrements subscriber count; when it reaches zero the channel is
// closed, waking any suspended consumers with the closed sentinel.
// Reports whether the channel is now closed.
func (ch *Channel) release() bool {
	ch.mu.Lock()
	if ch.refcnt > 0 {
		ch.refcnt--
	}
	dead := ch.refcnt == 0 && !ch.closed
	if dead {
		ch.closed = true
	}
	ch.mu.Unlock()
	if dead {
		ch.signal()
	}
	return dead
}

// forceClose closes the channel regardless of subscriber count (connection
// teardown).
func (ch *Channel) forceClose() {
	ch.mu.Lock()
	ch.refcnt = 0
	done := ch.closed
	ch.closed = true
	ch.mu.Unlock()
	if !done {
		ch.signal()
	}
}

func (ch *Channel) signal() {
	select {
	case ch.wake <- struct{}{}:
	default:
	}
}
