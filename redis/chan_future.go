package redis

// ChanFutured wraps Sender and provides Future-through-channel interface.
type ChanFutured struct {
	S Sender
}

// Send sends request and returns ChanFuture for result.
func (s ChanFutured) Send(r Request) *ChanFuture {
	f := &ChanFuture{wait: make(chan struct{})}
	s.S.Send(r, f, 0)
	return f
}

// SendMany sends batch of requests and returns slice of ChanFuture for results.
func (s ChanFutured) SendMany(reqs []Request) ChanFutures {
	futures := make(ChanFutures, len(reqs))
	for i := range futures {
		futures[i] = &ChanFuture{wait: make(chan struct{})}
	}
	s.S.SendMany(reqs, futures, 0)
	return futures
}

// SendTransaction sends transaction and returns ChanTransaction - a future
// for EXEC's aggregate results.
func (s ChanFutured) SendTransaction(r []Request) *ChanTransaction {
	future := &ChanTransaction{
		ChanFuture: ChanFuture{wait: make(chan struct{})},
	}
	s.S.SendTransaction(r, future, 0)
	return future
}

// ChanFuture - future with channel as signal of fulfillment.
type ChanFuture struct {
	r    interface{}
	wait chan struct{}
}

// Value waits for result to be fulfilled and returns result.
func (f *ChanFuture) Value() interface{} {
	<-f.wait
	return f.r
}

// Done returns channel that is closed when future is fulfilled.
func (f *ChanFuture) Done() <-chan struct{} {
	return f.wait
}

// Resolve implements Future.Resolve.
func (f *ChanFuture) Resolve(res interface{}, _ uint64) {
	f.r = res
	close(f.wait)
}

// Cancelled implements Future.Cancelled (always false).
func (f *ChanFuture) Cancelled() bool { return false }

// ChanFutures - set of futures for batch of requests.
type ChanFutures []*ChanFuture

// Cancelled implements Future.Cancelled (always false).
func (f ChanFutures) Cancelled() bool { return false }

// Resolve implements Future.Resolve, resolves i-th future in a batch.
func (f ChanFutures) Resolve(res interface{}, i uint64) {
	f[i].Resolve(res, i)
}

// ChanTransaction - future for transaction results.
type ChanTransaction struct {
	ChanFuture
}

// Results waits for EXEC reply and parses it.
func (f *ChanTransaction) Results() ([]interface{}, error) {
	<-f.wait
	return TransactionResponse(f.r)
}
