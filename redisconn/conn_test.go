package redisconn_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jimsnab/go-lane"
	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/suite"

	"github.com/kernel0/aioredis/redis"
	"github.com/kernel0/aioredis/redisconn"
	"github.com/kernel0/aioredis/testbed"
)

type Suite struct {
	suite.Suite

	s      *testbed.Server
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Suite) SetupTest() {
	var err error
	s.s, err = testbed.Start()
	s.Require().NoError(err)
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
}

func (s *Suite) TearDownTest() {
	s.cancel()
	s.s.Close()
}

func (s *Suite) connect(opts redisconn.Opts) *redisconn.Connection {
	conn, err := redisconn.Connect(s.ctx, s.s.Addr(), opts)
	s.Require().NoError(err)
	s.Require().NotNil(conn)
	return conn
}

func TestConnection(t *testing.T) {
	suite.Run(t, new(Suite))
}

func (s *Suite) TestConnects() {
	conn := s.connect(redisconn.Opts{
		Logger: redisconn.LaneLogger{L: lane.NewLogLane(s.ctx)},
	})
	defer conn.Close()

	s.True(conn.ConnectedNow())
	s.Equal(s.s.Addr(), conn.Addr())
	s.Equal("PONG", conn.Ping())
}

func (s *Suite) TestConnectOptErrors() {
	_, err := redisconn.Connect(nil, s.s.Addr(), redisconn.Opts{}) //lint:ignore SA1012 nil context is part of the contract under test
	s.True(errorx.IsOfType(err, redis.ErrContextIsNil))

	_, err = redisconn.Connect(s.ctx, "", redisconn.Opts{})
	s.True(errorx.IsOfType(err, redis.ErrNoAddressProvided))
}

func (s *Suite) TestConnectNoServer() {
	s.s.Close()
	_, err := redisconn.Connect(s.ctx, s.s.Addr(), redisconn.Opts{})
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrDial))
	s.True(errorx.HasTrait(err, redis.ErrTraitConnectivity))
}

func (s *Suite) TestAuthAndDb() {
	s.s.Password = "sesame"

	_, err := redisconn.Connect(s.ctx, s.s.Addr(), redisconn.Opts{Password: "wrong"})
	s.Require().Error(err)
	s.True(errorx.IsOfType(err, redis.ErrAuth))

	conn := s.connect(redisconn.Opts{Password: "sesame", DB: 3})
	defer conn.Close()
	s.Equal("PONG", conn.Ping())
	s.GreaterOrEqual(s.s.CommandCount("AUTH"), 1)
	s.Equal(1, s.s.CommandCount("SELECT"))
}

func (s *Suite) TestSetGet() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()
	sc := redis.SyncCtx{S: conn}

	s.Equal("OK", sc.Do(s.ctx, "SET", "key", "value"))
	s.Equal([]byte("value"), sc.Do(s.ctx, "GET", "key"))
	s.Nil(sc.Do(s.ctx, "GET", "absent"))
}

// replies come back in submission order, with no request identifiers on the
// wire at all
func (s *Suite) TestPipelineOrder() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()
	sc := redis.SyncCtx{S: conn}

	const n = 100
	reqs := make([]redis.Request, n)
	for i := range reqs {
		reqs[i] = redis.Req("ECHO", strconv.Itoa(i))
	}
	results := sc.SendMany(s.ctx, reqs)
	s.Require().Len(results, n)
	for i, res := range results {
		s.Equal([]byte(strconv.Itoa(i)), res, "reply %d out of order", i)
	}
}

func (s *Suite) TestConcurrentSenders() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()
	sc := redis.SyncCtx{S: conn}

	const workers, iters = 10, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				res := sc.Do(s.ctx, "INCR", "ctr")
				s.Nil(redis.AsError(res))
			}
		}()
	}
	wg.Wait()
	s.Equal([]byte(strconv.Itoa(workers*iters)), sc.Do(s.ctx, "GET", "ctr"))
}

// close fails every outstanding command with a connection error, in
// submission order
func (s *Suite) TestCloseDrainsPending() {
	conn := s.connect(redisconn.Opts{})
	sc := redis.ChanFutured{S: conn}

	s.s.HoldReplies()
	futs := make([]*redis.ChanFuture, 5)
	for i := range futs {
		futs[i] = sc.Send(redis.Req("GET", "k"+strconv.Itoa(i)))
	}
	conn.Close()

	for i, f := range futs {
		err := redis.AsErrorx(f.Value())
		s.Require().NotNil(err, "future %d resolved with non-error %v", i, f.Value())
		s.True(err.HasTrait(redis.ErrTraitConnectivity))
	}
	s.s.ReleaseReplies()
}

func (s *Suite) TestSendAfterClose() {
	conn := s.connect(redisconn.Opts{})
	conn.Close()
	s.Require().Eventually(func() bool { return !conn.ConnectedNow() }, time.Second, time.Millisecond)

	res := redis.Sync{S: conn}.Do("GET", "key")
	err := redis.AsErrorx(res)
	s.Require().NotNil(err)
	s.True(err.HasTrait(redis.ErrTraitConnectivity))
	s.True(err.HasTrait(redis.ErrTraitNotSent))
}

func (s *Suite) TestForbiddenCommands() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()
	sc := redis.Sync{S: conn}

	for _, cmd := range []string{"SUBSCRIBE", "PSUBSCRIBE", "UNSUBSCRIBE", "PUNSUBSCRIBE", "MULTI", "EXEC", "DISCARD", "WATCH", "BLPOP"} {
		res := sc.Do(cmd, "arg")
		err := redis.AsErrorx(res)
		s.Require().NotNil(err, "%s went through", cmd)
		s.True(err.IsOfType(redis.ErrCommandForbidden), "%s: %v", cmd, err)
	}
	// nothing reached the server
	s.Equal(0, s.s.CommandCount("SUBSCRIBE"))
	s.Equal(0, s.s.CommandCount("MULTI"))
	s.Equal(0, s.s.CommandCount("BLPOP"))
}

func (s *Suite) TestScriptModeAllowsBlocking() {
	conn := s.connect(redisconn.Opts{ScriptMode: true})
	defer conn.Close()

	res := redis.Sync{S: conn}.Do("BLPOP", "list", 0)
	err := redis.AsErrorx(res)
	s.Require().NotNil(err)
	// the testbed doesn't implement BLPOP; the point is the command was sent
	s.True(err.IsOfType(redis.ErrResult))
	s.Equal(1, s.s.CommandCount("BLPOP"))
}

// a malformed frame poisons the connection
func (s *Suite) TestProtocolGarbage() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()

	s.s.InjectGarbage()
	s.Require().Eventually(func() bool { return !conn.ConnectedNow() }, time.Second, time.Millisecond)

	res := redis.Sync{S: conn}.Do("GET", "key")
	s.Require().NotNil(redis.AsErrorx(res))
}

// cancellation abandons the wait, not the command: the connection stays
// aligned and usable
func (s *Suite) TestCancelledWaiter() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()
	sc := redis.SyncCtx{S: conn}

	s.s.HoldReplies()
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan interface{}, 1)
	go func() {
		done <- sc.Do(ctx, "GET", "key")
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	res := <-done
	err := redis.AsErrorx(res)
	s.Require().NotNil(err)
	s.True(err.IsOfType(redis.ErrRequestCancelled))

	s.s.ReleaseReplies()
	// the held GET reply is consumed and discarded; PING matches its own reply
	s.Equal("PONG", sc.Do(s.ctx, "PING"))
}

func (s *Suite) TestScanner() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()
	sc := redis.SyncCtx{S: conn}

	for i := 0; i < 5; i++ {
		s.s.SetKey("key"+strconv.Itoa(i), "v")
	}
	s.s.SetKey("other", "v")

	var keys []string
	iter := sc.Scanner(s.ctx, redis.ScanOpts{Match: "key*"})
	for {
		batch, err := iter.Next()
		if err == redis.ScanEOF {
			break
		}
		s.Require().NoError(err)
		keys = append(keys, batch...)
	}
	s.ElementsMatch(keys, []string{"key0", "key1", "key2", "key3", "key4"})
}

func (s *Suite) TestContextCancelClosesConnection() {
	ctx, cancel := context.WithCancel(s.ctx)
	conn, err := redisconn.Connect(ctx, s.s.Addr(), redisconn.Opts{})
	s.Require().NoError(err)

	cancel()
	s.Require().Eventually(func() bool { return !conn.ConnectedNow() }, time.Second, time.Millisecond)

	res := redis.Sync{S: conn}.Do("PING")
	rerr := redis.AsErrorx(res)
	s.Require().NotNil(rerr)
	s.True(rerr.HasTrait(redis.ErrTraitConnectivity))
}

func (s *Suite) TestHandle() {
	conn := s.connect(redisconn.Opts{Handle: "shard-3"})
	defer conn.Close()
	s.Equal("shard-3", conn.Handle())
}

