package redis

import (
	"errors"
)

// Sender is interface of a client implementation.
// It provides asynchronous API to redis.
type Sender interface {
	// Send sends request to redis. Response will be given to cb.
	// n is an argument to cb.Resolve.
	Send(r Request, cb Future, n uint64)
	// SendMany sends several requests in "pipeline" mode: they are written to
	// network together, and replies resolve in the order requests were given.
	// Responses are passed to cb, n is an index of a request in a batch.
	SendMany(r []Request, cb Future, n uint64)
	// SendTransaction sends several requests as a single MULTI+EXEC
	// transaction. cb is resolved once with EXEC's aggregate reply
	// (use TransactionResponse to interpret it).
	SendTransaction(r []Request, cb Future, start uint64)
	// Scanner returns iterator-like object for the SCAN family of commands.
	Scanner(opts ScanOpts) Scanner
	// Close closes the client.
	Close()
}

// Scanner is an interface for iterating with the SCAN family of commands.
type Scanner interface {
	// Next requests next bunch of keys.
	// Either keys or error will be sent to Future, and if iteration is
	// finished, the result is nil.
	Next(cb Future)
}

// ScanEOF is an error returned when iteration is finished.
var ScanEOF = errors.New("iteration finished")

// ScanOpts is options for scanning.
type ScanOpts struct {
	// Cmd - command to be sent. Default is "SCAN".
	Cmd string
	// Key - key for HSCAN, SSCAN and ZSCAN command.
	Key string
	// Match - pattern for filtering keys.
	Match string
	// Count - soft-limit of single *SCAN answer.
	Count int
}

// Request constructs corresponding request for iterator position.
func (s ScanOpts) Request(it []byte) Request {
	if it == nil {
		it = []byte("0")
	}
	args := []interface{}{it}
	if s.Cmd == "" {
		s.Cmd = "SCAN"
	}
	if s.Cmd != "SCAN" {
		args = append([]interface{}{s.Key}, args...)
	}
	if s.Match != "" {
		args = append(args, "MATCH", s.Match)
	}
	if s.Count > 0 {
		args = append(args, "COUNT", s.Count)
	}
	return Request{s.Cmd, args}
}

// ScannerBase is internal "parent" object for scanner implementations.
type ScannerBase struct {
	ScanOpts
	Iter []byte
	Err  error
	cb   Future
}

// DoNext sends next scan request to concrete sender.
func (s *ScannerBase) DoNext(cb Future, snd Sender) {
	s.cb = cb
	snd.Send(s.ScanOpts.Request(s.Iter), s, 0)
}

// IterLast returns true if iteration is finished.
func (s *ScannerBase) IterLast() bool {
	return len(s.Iter) == 1 && s.Iter[0] == '0'
}

// Cancelled implements Future.Cancelled.
func (s *ScannerBase) Cancelled() bool {
	return s.cb.Cancelled()
}

// Resolve implements Future.Resolve.
func (s *ScannerBase) Resolve(res interface{}, _ uint64) {
	var keys []string
	s.Iter, keys, s.Err = ScanResponse(res)
	cb := s.cb
	s.cb = nil
	if s.Err != nil {
		cb.Resolve(s.Err, 0)
	} else {
		cb.Resolve(keys, 0)
	}
}
