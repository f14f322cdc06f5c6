package redisconn

import (
	"sync"

	"github.com/joomcode/errorx"

	"github.com/kernel0/aioredis/redis"
)

const (
	txOpen = iota
	txExecuted
	txAborted
	txDiscarded
)

// txBuffer is the client side record of a MULTI transaction: the ordered list
// of completion handles of commands issued between MULTI and EXEC.
//
// Commands submitted while the buffer is open are still written to the server
// immediately (it must see them to queue them), but their handles resolve only
// when EXEC's aggregate reply is reconciled positionally, or when the
// transaction is aborted or discarded.
type txBuffer struct {
	mu    sync.Mutex
	state int
	slots []txSlot
}

type txSlot struct {
	fut      redis.Future
	n        uint64
	resolved bool
}

// add appends a deferred handle, returns its position. A nil handle is
// replaced with a no-op one so slot resolution never has to check.
func (tx *txBuffer) add(fut redis.Future, n uint64) int {
	if fut == nil {
		fut = nopFuture{}
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.slots = append(tx.slots, txSlot{fut: fut, n: n})
	return len(tx.slots) - 1
}

// ackQueued consumes the immediate server reply of a buffered command.
// A well-behaved server acknowledges with +QUEUED; that acknowledgment is
// validated and dropped. A command the server refused to queue resolves its
// handle right away with the reply error and is excluded from positional
// reconciliation. Any other reply shape is a protocol violation, returned to
// the reader to poison the connection.
func (tx *txBuffer) ackQueued(i int, res interface{}) *errorx.Error {
	rerr := redis.AsErrorx(res)
	if rerr == nil {
		if s, ok := res.(string); ok && s == "QUEUED" {
			return nil
		}
		return redis.ErrResponseUnexpected.New("expected +QUEUED for buffered command").
			WithProperty(redis.EKResponse, res)
	}
	if !rerr.IsOfType(redis.ErrResult) {
		return rerr
	}
	tx.mu.Lock()
	s := &tx.slots[i]
	fut, n, done := s.fut, s.n, s.resolved
	s.resolved = true
	tx.mu.Unlock()
	if !done {
		fut.Resolve(res, n)
	}
	return nil
}

// resolveExec reconciles EXEC's aggregate reply with the buffered handles.
// An array resolves handles positionally; anything else is an abort marker
// failing every still-deferred handle. The return value is what EXEC's own
// caller should see: the array on success, the abort error otherwise.
func (tx *txBuffer) resolveExec(res interface{}) interface{} {
	if arr, ok := res.([]interface{}); ok {
		tx.mu.Lock()
		if tx.state != txOpen {
			tx.mu.Unlock()
			return res
		}
		tx.state = txExecuted
		fire := tx.takeUnresolved()
		tx.mu.Unlock()
		// EXEC's array has one element per successfully queued command,
		// in submission order.
		for i, s := range fire {
			if i < len(arr) {
				s.fut.Resolve(arr[i], s.n)
			} else {
				s.fut.Resolve(redis.ErrResponseUnexpected.New("EXEC array shorter than transaction"), s.n)
			}
		}
		return res
	}

	var err *errorx.Error
	if rerr := redis.AsErrorx(res); rerr != nil {
		err = redis.ErrExecAborted.WrapWithNoMessage(rerr)
	} else {
		// null reply: a watched key changed
		err = redis.ErrExecAborted.NewWithNoMessage()
	}
	tx.finish(txAborted, err)
	return err
}

// discard fails every deferred handle with the discarded error.
func (tx *txBuffer) discard() {
	tx.finish(txDiscarded, redis.ErrExecDiscarded.NewWithNoMessage())
}

// fail is invoked on connection teardown.
func (tx *txBuffer) fail(err *errorx.Error) {
	tx.finish(txAborted, err)
}

func (tx *txBuffer) finish(state int, err *errorx.Error) {
	tx.mu.Lock()
	if tx.state != txOpen {
		tx.mu.Unlock()
		return
	}
	tx.state = state
	fire := tx.takeUnresolved()
	tx.mu.Unlock()
	for _, s := range fire {
		s.fut.Resolve(err, s.n)
	}
}

// failSlot resolves a single deferred handle, used when the pending queue is
// drained on connection close.
func (tx *txBuffer) failSlot(i int, err *errorx.Error) {
	tx.mu.Lock()
	s := &tx.slots[i]
	fut, n, done := s.fut, s.n, s.resolved
	s.resolved = true
	tx.mu.Unlock()
	if !done {
		fut.Resolve(err, n)
	}
}

// takeUnresolved marks all pending slots resolved and returns them for
// firing outside the lock.
func (tx *txBuffer) takeUnresolved() []txSlot {
	fire := make([]txSlot, 0, len(tx.slots))
	for i := range tx.slots {
		if !tx.slots[i].resolved {
			tx.slots[i].resolved = true
			fire = append(fire, tx.slots[i])
		}
	}
	return fire
}

// execFuture ties EXEC's own reply to the buffer reconciliation.
type execFuture struct {
	tx *txBuffer
	cb redis.Future
	n  uint64
}

func (f *execFuture) Cancelled() bool { return false }

func (f *execFuture) Resolve(res interface{}, _ uint64) {
	out := f.tx.resolveExec(res)
	if f.cb != nil && !f.cb.Cancelled() {
		f.cb.Resolve(out, f.n)
	}
}
