package redisconn_test

import (
	"strconv"
	"time"

	"github.com/joomcode/errorx"

	"github.com/kernel0/aioredis/redis"
	"github.com/kernel0/aioredis/redisconn"
)

func resolved(f *redis.ChanFuture) bool {
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}

func (s *Suite) TestMultiExec() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()
	cf := redis.ChanFutured{S: conn}

	s.Require().NoError(conn.Multi())
	s.True(conn.InTransaction())

	f1 := cf.Send(redis.Req("SET", "a", "1"))
	f2 := cf.Send(redis.Req("INCR", "ctr"))

	// commands are on the wire, but completions are deferred until EXEC
	time.Sleep(20 * time.Millisecond)
	s.Equal(1, s.s.CommandCount("SET"))
	s.Equal(1, s.s.CommandCount("INCR"))
	s.False(resolved(f1), "buffered command resolved before EXEC")
	s.False(resolved(f2), "buffered command resolved before EXEC")

	res := conn.ExecSync()
	arr, err := redis.TransactionResponse(res)
	s.Require().NoError(err)
	s.Require().Len(arr, 2)
	s.Equal("OK", arr[0])
	s.Equal(int64(1), arr[1])

	// futures got the same results, positionally
	s.Equal("OK", f1.Value())
	s.Equal(int64(1), f2.Value())
	s.False(conn.InTransaction())

	// connection back to normal pipelining
	s.Equal("PONG", conn.Ping())
}

func (s *Suite) TestExecAborted() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()
	cf := redis.ChanFutured{S: conn}

	s.Require().NoError(conn.Multi())
	f1 := cf.Send(redis.Req("SET", "a", "1"))
	f2 := cf.Send(redis.Req("SET", "b", "2"))

	s.s.AbortNextExec()
	res := conn.ExecSync()
	_, err := redis.TransactionResponse(res)
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrExecAborted))

	for _, f := range []*redis.ChanFuture{f1, f2} {
		ferr := redis.AsErrorx(f.Value())
		s.Require().NotNil(ferr)
		s.True(ferr.IsOfType(redis.ErrExecAborted))
	}
	s.False(conn.InTransaction())

	// nothing was applied
	_, ok := s.s.Key("a")
	s.False(ok)
}

func (s *Suite) TestDiscard() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()
	cf := redis.ChanFutured{S: conn}

	s.Require().NoError(conn.Multi())
	f := cf.Send(redis.Req("SET", "a", "1"))
	s.Require().NoError(conn.Discard())

	ferr := redis.AsErrorx(f.Value())
	s.Require().NotNil(ferr)
	s.True(ferr.IsOfType(redis.ErrExecDiscarded))
	s.False(conn.InTransaction())

	_, ok := s.s.Key("a")
	s.False(ok)
	s.Equal("PONG", conn.Ping())
}

// a command the server refuses to queue resolves right away and is excluded
// from positional reconciliation
func (s *Suite) TestQueueTimeError() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()
	cf := redis.ChanFutured{S: conn}

	s.Require().NoError(conn.Multi())
	bad := cf.Send(redis.Req("NOSUCHCMD", "x"))
	good := cf.Send(redis.Req("SET", "a", "1"))

	badErr := redis.AsErrorx(bad.Value())
	s.Require().NotNil(badErr)
	s.True(badErr.IsOfType(redis.ErrResult))
	s.False(resolved(good))

	res := conn.ExecSync()
	_, err := redis.TransactionResponse(res)
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrExecAborted))

	goodErr := redis.AsErrorx(good.Value())
	s.Require().NotNil(goodErr)
	s.True(goodErr.IsOfType(redis.ErrExecAborted))
}

// a nil completion handle is as valid inside a transaction as outside
func (s *Suite) TestNilFutureInTransaction() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()

	s.Require().NoError(conn.Multi())
	conn.Send(redis.Req("SET", "a", "1"), nil, 0)
	res := conn.ExecSync()
	arr, err := redis.TransactionResponse(res)
	s.Require().NoError(err)
	s.Require().Len(arr, 1)
	s.Equal("OK", arr[0])
	v, ok := s.s.Key("a")
	s.True(ok)
	s.Equal("1", v)

	// and through the abort path
	s.s.AbortNextExec()
	s.Require().NoError(conn.Multi())
	conn.Send(redis.Req("SET", "b", "2"), nil, 0)
	_, err = redis.TransactionResponse(conn.ExecSync())
	s.True(errorx.IsOfType(err, redis.ErrExecAborted))
	s.Equal("PONG", conn.Ping())
}

// an acknowledgment other than +OK to MULTI means client and server disagree
// about transaction state; the connection is poisoned, not desynchronized
func (s *Suite) TestMultiAckViolation() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()
	cf := redis.ChanFutured{S: conn}

	s.s.FailNextMulti()
	s.Require().NoError(conn.Multi())
	f := cf.Send(redis.Req("SET", "a", "1"))

	ferr := redis.AsErrorx(f.Value())
	s.Require().NotNil(ferr)
	s.True(ferr.IsOfType(redis.ErrResponseUnexpected))

	perr := redis.AsErrorx(conn.Ping())
	s.Require().NotNil(perr)
	s.True(perr.HasTrait(redis.ErrTraitConnectivity))
}

func (s *Suite) TestTransactionStateErrors() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()

	err := conn.Exec(nil, 0)
	s.True(errorx.IsOfType(err, redis.ErrTransactionState))
	err = conn.Discard()
	s.True(errorx.IsOfType(err, redis.ErrTransactionState))

	s.Require().NoError(conn.Multi())
	err = conn.Multi()
	s.True(errorx.IsOfType(err, redis.ErrTransactionState))
	s.Require().NoError(conn.Discard())
}

func (s *Suite) TestCloseFailsOpenTransaction() {
	conn := s.connect(redisconn.Opts{})
	cf := redis.ChanFutured{S: conn}

	s.Require().NoError(conn.Multi())
	s.s.HoldReplies()
	f := cf.Send(redis.Req("SET", "a", "1"))
	conn.Close()

	ferr := redis.AsErrorx(f.Value())
	s.Require().NotNil(ferr)
	s.True(ferr.HasTrait(redis.ErrTraitConnectivity))
	s.s.ReleaseReplies()
}

// SendTransaction is the one-shot facade over Multi/Exec
func (s *Suite) TestSendTransaction() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()
	sc := redis.SyncCtx{S: conn}

	results, err := sc.SendTransaction(s.ctx, []redis.Request{
		redis.Req("SET", "t", "v"),
		redis.Req("INCR", "n"),
		redis.Req("GET", "t"),
	})
	s.Require().NoError(err)
	s.Require().Len(results, 3)
	s.Equal("OK", results[0])
	s.Equal(int64(1), results[1])
	s.Equal([]byte("v"), results[2])

	s.Equal(1, s.s.CommandCount("MULTI"))
	s.Equal(1, s.s.CommandCount("EXEC"))
}

func (s *Suite) TestSendTransactionAborted() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()
	sc := redis.SyncCtx{S: conn}

	s.s.AbortNextExec()
	_, err := sc.SendTransaction(s.ctx, []redis.Request{redis.Req("SET", "t", "v")})
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrExecAborted))
}

func (s *Suite) TestInterleavedTransactions() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()
	cf := redis.ChanFutured{S: conn}

	for round := 0; round < 3; round++ {
		s.Require().NoError(conn.Multi())
		f := cf.Send(redis.Req("INCR", "seq"))
		res := conn.ExecSync()
		arr, err := redis.TransactionResponse(res)
		s.Require().NoError(err)
		s.Require().Len(arr, 1)
		s.Equal(int64(round+1), arr[0])
		s.Equal(int64(round+1), f.Value())
	}
	s.Equal([]byte(strconv.Itoa(3)), redis.Sync{S: conn}.Do("GET", "seq"))
}
