package redisconn

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/joomcode/errorx"

	"github.com/kernel0/aioredis/redis"
)

// subRouter demultiplexes push frames of a subscribed connection into
// per-name Channel mailboxes.
//
// It tracks exact subscriptions and pattern subscriptions separately, plus
// the confirmations the server still owes us for (P)SUBSCRIBE commands in
// flight. The connection counts as engaged in pub/sub while any of the three
// is non-empty; engagement is what allows the reader loop to treat an array
// frame with a push-shaped head as a push frame at all.
type subRouter struct {
	mu       sync.Mutex
	engaged  uint32 // atomic
	channels map[string]*Channel
	patterns map[string]*Channel
	confirms map[confirmKey][]chan error
}

type confirmKey struct {
	name    string
	pattern bool
}

func (r *subRouter) engagedNow() bool {
	return atomic.LoadUint32(&r.engaged) != 0
}

// register creates or retains a Channel per name, and queues one confirmation
// waiter per name. Called under the connection write lock, before the
// subscribe command bytes are queued, so a confirmation can never arrive
// unregistered.
func (r *subRouter) register(conn *Connection, pattern bool, names []string) ([]*Channel, []chan error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels == nil {
		r.channels = make(map[string]*Channel)
		r.patterns = make(map[string]*Channel)
		r.confirms = make(map[confirmKey][]chan error)
	}
	m := r.channels
	if pattern {
		m = r.patterns
	}
	chans := make([]*Channel, len(names))
	waiters := make([]chan error, len(names))
	for i, name := range names {
		if ch, ok := m[name]; ok {
			ch.retain()
			chans[i] = ch
		} else {
			m[name] = newChannel(name, pattern)
			chans[i] = m[name]
		}
		w := make(chan error, 1)
		key := confirmKey{name, pattern}
		r.confirms[key] = append(r.confirms[key], w)
		waiters[i] = w
	}
	r.recomputeLocked(conn)
	return chans, waiters
}

// rollback undoes register when the subscribe command could not be queued.
func (r *subRouter) rollback(conn *Connection, pattern bool, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.channels
	if pattern {
		m = r.patterns
	}
	for _, name := range names {
		key := confirmKey{name, pattern}
		if ws := r.confirms[key]; len(ws) > 0 {
			r.confirms[key] = ws[:len(ws)-1]
			if len(r.confirms[key]) == 0 {
				delete(r.confirms, key)
			}
		}
		if ch, ok := m[name]; ok && ch.release() {
			delete(m, name)
		}
	}
	r.recomputeLocked(conn)
}

// confirm handles a (p)subscribe confirmation frame.
func (r *subRouter) confirm(conn *Connection, pattern bool, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := confirmKey{name, pattern}
	if ws := r.confirms[key]; len(ws) > 0 {
		ws[0] <- nil
		r.confirms[key] = ws[1:]
		if len(r.confirms[key]) == 0 {
			delete(r.confirms, key)
		}
	}
	r.recomputeLocked(conn)
}

// dropped handles a (p)unsubscribe confirmation frame: the channel loses one
// subscription, and closes when none remain.
func (r *subRouter) dropped(conn *Connection, pattern bool, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.channels
	if pattern {
		m = r.patterns
	}
	if ch, ok := m[name]; ok && ch.release() {
		delete(m, name)
	}
	r.recomputeLocked(conn)
}

// tracked returns currently tracked names, for argument-less unsubscribe.
func (r *subRouter) tracked(pattern bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.channels
	if pattern {
		m = r.patterns
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// dispatchPush routes a single push frame. Called by the reader loop only;
// must never block (Channel mailboxes are unbounded for that reason).
func (r *subRouter) dispatchPush(conn *Connection, kind string, arr []interface{}) {
	switch kind {
	case redis.PushMessage:
		name, ok := redis.PushByteArg(arr, 1)
		if !ok {
			return
		}
		payload, _ := arr[2].([]byte)
		r.mu.Lock()
		ch := r.channels[name]
		var pats []*Channel
		if ch == nil {
			// no exact subscriber; some servers deliver pattern matches as
			// plain message frames, so test tracked patterns too
			for _, pc := range r.patterns {
				if pc.pattern.Match(name) {
					pats = append(pats, pc)
				}
			}
		}
		r.mu.Unlock()
		if ch != nil {
			ch.publish(Message{Channel: name, Payload: payload})
			return
		}
		for _, pc := range pats {
			pc.publish(Message{Channel: name, Pattern: pc.name, Payload: payload})
		}
	case redis.PushPMessage:
		if len(arr) < 4 {
			return
		}
		pat, ok := redis.PushByteArg(arr, 1)
		if !ok {
			return
		}
		name, _ := redis.PushByteArg(arr, 2)
		payload, _ := arr[3].([]byte)
		r.mu.Lock()
		ch := r.patterns[pat]
		r.mu.Unlock()
		if ch != nil {
			ch.publish(Message{Channel: name, Pattern: pat, Payload: payload})
		}
	case redis.PushSubscribe, redis.PushPSubscribe:
		if name, ok := redis.PushByteArg(arr, 1); ok {
			r.confirm(conn, kind == redis.PushPSubscribe, name)
		}
	case redis.PushUnsubscribe, redis.PushPUnsubscribe:
		if name, ok := redis.PushByteArg(arr, 1); ok {
			r.dropped(conn, kind == redis.PushPUnsubscribe, name)
		}
	}
}

// teardown closes every channel and fails every confirmation waiter.
// Invoked once, on connection shutdown.
func (r *subRouter) teardown(conn *Connection, err *errorx.Error) {
	r.mu.Lock()
	chans := make([]*Channel, 0, len(r.channels)+len(r.patterns))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	for _, ch := range r.patterns {
		chans = append(chans, ch)
	}
	waiters := make([]chan error, 0)
	for _, ws := range r.confirms {
		waiters = append(waiters, ws...)
	}
	r.channels = nil
	r.patterns = nil
	r.confirms = nil
	atomic.StoreUint32(&r.engaged, 0)
	r.mu.Unlock()

	for _, ch := range chans {
		ch.forceClose()
	}
	for _, w := range waiters {
		w <- err
	}
}

// recomputeLocked refreshes the engagement counter and the connection mode.
// The connection is SUBSCRIBED while anything pub/sub related is live, and
// returns to NORMAL when the last channel and confirmation is gone.
func (r *subRouter) recomputeLocked(conn *Connection) {
	n := len(r.channels) + len(r.patterns)
	for _, ws := range r.confirms {
		n += len(ws)
	}
	atomic.StoreUint32(&r.engaged, uint32(n))
	if n > 0 {
		atomic.StoreUint32(&conn.mode, modeSubscribed)
	} else {
		atomic.StoreUint32(&conn.mode, modeNormal)
	}
}

// Subscribe subscribes the connection to the named channels and returns their
// mailboxes. The connection switches to subscribed mode: from now on only
// (un)subscribe operations are permitted until every subscription is dropped.
//
// Subscribing to an already subscribed name returns the same Channel instance
// with its subscriber count incremented.
//
// The call returns after the server confirmed every name. ctx bounds the
// wait only: on cancellation the subscriptions remain in effect.
func (conn *Connection) Subscribe(ctx context.Context, channels ...string) ([]*Channel, error) {
	return conn.subscribe(ctx, false, channels)
}

// PSubscribe subscribes the connection to the given glob-style patterns.
// See Subscribe.
func (conn *Connection) PSubscribe(ctx context.Context, patterns ...string) ([]*Channel, error) {
	return conn.subscribe(ctx, true, patterns)
}

func (conn *Connection) subscribe(ctx context.Context, pattern bool, names []string) ([]*Channel, error) {
	if ctx == nil {
		return nil, redis.ErrContextIsNil.NewWithNoMessage()
	}
	if len(names) == 0 {
		return nil, redis.ErrRequest.New("no channels to subscribe").
			WithProperty(EKConnection, conn)
	}
	cmd := "SUBSCRIBE"
	if pattern {
		cmd = "PSUBSCRIBE"
	}
	args := make([]interface{}, len(names))
	for i, name := range names {
		args[i] = name
	}

	conn.mutex.Lock()
	if atomic.LoadUint32(&conn.state) != connOpen {
		err := conn.closedErrorLocked()
		conn.mutex.Unlock()
		return nil, err
	}
	if conn.tx != nil {
		conn.mutex.Unlock()
		return nil, redis.ErrTransactionState.New("subscribe is not allowed while a transaction is open").
			WithProperty(EKConnection, conn)
	}
	chans, waiters := conn.subs.register(conn, pattern, names)
	if err := conn.pushRawLocked(redis.Request{Cmd: cmd, Args: args}); err != nil {
		conn.subs.rollback(conn, pattern, names)
		conn.mutex.Unlock()
		return nil, err
	}
	conn.mutex.Unlock()

	for _, w := range waiters {
		select {
		case err := <-w:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, redis.ErrRequestCancelled.WrapWithNoMessage(ctx.Err())
		}
	}
	return chans, nil
}

// Unsubscribe drops subscriptions to the named channels (all exact channels
// when called without arguments). Each name loses one subscription; a channel
// whose count reaches zero is closed, waking suspended consumers with the
// closed sentinel. When the last subscription is gone the connection returns
// to normal mode.
func (conn *Connection) Unsubscribe(channels ...string) error {
	return conn.unsubscribe(false, channels)
}

// PUnsubscribe drops pattern subscriptions. See Unsubscribe.
func (conn *Connection) PUnsubscribe(patterns ...string) error {
	return conn.unsubscribe(true, patterns)
}

func (conn *Connection) unsubscribe(pattern bool, names []string) error {
	cmd := "UNSUBSCRIBE"
	if pattern {
		cmd = "PUNSUBSCRIBE"
	}
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if atomic.LoadUint32(&conn.state) != connOpen {
		return conn.closedErrorLocked()
	}
	if len(names) == 0 {
		names = conn.subs.tracked(pattern)
		if len(names) == 0 {
			return nil
		}
	}
	args := make([]interface{}, len(names))
	for i, name := range names {
		args[i] = name
	}
	return conn.pushRawLocked(redis.Request{Cmd: cmd, Args: args})
}
