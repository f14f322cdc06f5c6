package redisconn

import (
	"sync"

	"github.com/joomcode/errorx"

	"github.com/kernel0/aioredis/redis"
)

// pendEntry is a single outstanding command awaiting its reply.
type pendEntry struct {
	fut redis.Future
	n   uint64
	// tx is set while the entry were submitted inside an open transaction.
	// Such entry is "deferred": its immediate reply is the +QUEUED
	// acknowledgment, and the real result arrives inside EXEC's array.
	tx   *txBuffer
	slot int
}

// resolveReply passes reply to the entry. Returns non-nil for replies that
// violate the protocol and therefore poison the whole connection.
func (e pendEntry) resolveReply(res interface{}) *errorx.Error {
	if e.tx != nil {
		return e.tx.ackQueued(e.slot, res)
	}
	if e.fut != nil {
		e.fut.Resolve(res, e.n)
	}
	return nil
}

// fail resolves the entry with a connection-level error.
func (e pendEntry) fail(err *errorx.Error) {
	if e.tx != nil {
		e.tx.failSlot(e.slot, err)
		return
	}
	if e.fut != nil {
		e.fut.Resolve(err, e.n)
	}
}

// pendingQueue is the ordered set of outstanding commands.
//
// Many producers append on submit; the single reader loop pops on reply.
// Strict FIFO popping is correct because the server replies in request order.
// Entries are pushed under the connection write lock in the same critical
// section that appends request bytes, therefore queue order always equals
// wire order.
type pendingQueue struct {
	mu   sync.Mutex
	q    []pendEntry
	head int
}

func (p *pendingQueue) push(e pendEntry) {
	p.mu.Lock()
	p.q = append(p.q, e)
	p.mu.Unlock()
}

func (p *pendingQueue) pop() (pendEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.head == len(p.q) {
		p.q = p.q[:0]
		p.head = 0
		return pendEntry{}, false
	}
	e := p.q[p.head]
	p.q[p.head] = pendEntry{}
	p.head++
	if p.head == len(p.q) {
		p.q = p.q[:0]
		p.head = 0
	} else if p.head > 1024 && p.head*2 > len(p.q) {
		n := copy(p.q, p.q[p.head:])
		p.q = p.q[:n]
		p.head = 0
	}
	return e, true
}

func (p *pendingQueue) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.q) - p.head
}
