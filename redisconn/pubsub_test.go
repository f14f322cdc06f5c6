package redisconn_test

import (
	"context"
	"time"

	"github.com/joomcode/errorx"

	"github.com/kernel0/aioredis/redis"
	"github.com/kernel0/aioredis/redisconn"
)

func (s *Suite) TestSubscribePublish() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()

	chans, err := conn.Subscribe(s.ctx, "news")
	s.Require().NoError(err)
	s.Require().Len(chans, 1)
	ch := chans[0]
	s.Equal("news", ch.Name())
	s.False(ch.Pattern())

	s.Equal(1, s.s.Publish("news", "m1"))
	s.Equal(1, s.s.Publish("news", "m2"))

	m, err := ch.Get(s.ctx)
	s.Require().NoError(err)
	s.Equal(redisconn.Message{Channel: "news", Payload: []byte("m1")}, m)
	m, err = ch.Get(s.ctx)
	s.Require().NoError(err)
	s.Equal([]byte("m2"), m.Payload)
}

// WaitMessage wakes the suspended waiter on delivery and consumes nothing
func (s *Suite) TestWaitMessage() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()

	chans, err := conn.Subscribe(s.ctx, "wake")
	s.Require().NoError(err)
	ch := chans[0]

	got := make(chan bool, 1)
	go func() { got <- ch.WaitMessage(s.ctx) }()
	select {
	case <-got:
		s.FailNow("WaitMessage returned on an empty mailbox")
	case <-time.After(20 * time.Millisecond):
	}

	s.Require().Equal(1, s.s.Publish("wake", "hi"))
	select {
	case ok := <-got:
		s.True(ok)
	case <-time.After(time.Second):
		s.FailNow("WaitMessage did not wake on publish")
	}

	m, ok := ch.TryGet()
	s.Require().True(ok)
	s.Equal(redisconn.Message{Channel: "wake", Payload: []byte("hi")}, m)
}

func (s *Suite) TestPatternSubscribe() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()

	chans, err := conn.PSubscribe(s.ctx, "news.*")
	s.Require().NoError(err)
	ch := chans[0]
	s.True(ch.Pattern())

	s.Equal(1, s.s.Publish("news.tech", "hello"))
	s.Equal(0, s.s.Publish("sports.tech", "nope"))

	m, err := ch.Get(s.ctx)
	s.Require().NoError(err)
	s.Equal("news.tech", m.Channel)
	s.Equal("news.*", m.Pattern)
	s.Equal([]byte("hello"), m.Payload)

	_, ok := ch.TryGet()
	s.False(ok)
}

// per-channel order follows publish order; each channel only sees its own
// messages
func (s *Suite) TestFanout() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()

	chans, err := conn.Subscribe(s.ctx, "a", "b")
	s.Require().NoError(err)
	s.Require().Len(chans, 2)
	chA, chB := chans[0], chans[1]

	s.s.Publish("a", "m1")
	s.s.Publish("a", "m2")
	s.s.Publish("b", "m3")

	m, err := chA.Get(s.ctx)
	s.Require().NoError(err)
	s.Equal([]byte("m1"), m.Payload)
	m, err = chA.Get(s.ctx)
	s.Require().NoError(err)
	s.Equal([]byte("m2"), m.Payload)
	m, err = chB.Get(s.ctx)
	s.Require().NoError(err)
	s.Equal([]byte("m3"), m.Payload)
}

// while subscribed only subscription management is allowed, and rejected
// commands never touch the wire
func (s *Suite) TestSubscribedModeGuard() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()

	_, err := conn.Subscribe(s.ctx, "x")
	s.Require().NoError(err)
	s.s.ResetCommands()

	res := redis.Sync{S: conn}.Do("GET", "key")
	rerr := redis.AsErrorx(res)
	s.Require().NotNil(rerr)
	s.True(rerr.IsOfType(redis.ErrSubscribedMode))

	err = conn.Multi()
	s.True(errorx.IsOfType(err, redis.ErrSubscribedMode))

	s.Empty(s.s.Commands(), "rejected commands reached the server")

	// dropping the last subscription returns the connection to normal mode
	s.Require().NoError(conn.Unsubscribe())
	s.Require().Eventually(func() bool {
		return redis.AsError(conn.Ping()) == nil
	}, time.Second, time.Millisecond)
}

func (s *Suite) TestResubscribeReturnsSameChannel() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()

	first, err := conn.Subscribe(s.ctx, "dup")
	s.Require().NoError(err)
	second, err := conn.Subscribe(s.ctx, "dup")
	s.Require().NoError(err)
	s.Same(first[0], second[0])

	// one unsubscribe drops one of the two subscriptions
	s.Require().NoError(conn.Unsubscribe("dup"))
	time.Sleep(20 * time.Millisecond)
	s.False(first[0].Closed())

	s.Require().NoError(conn.Unsubscribe("dup"))
	s.Require().Eventually(first[0].Closed, time.Second, time.Millisecond)
}

func (s *Suite) TestUnsubscribeWakesConsumers() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()

	chans, err := conn.Subscribe(s.ctx, "quiet")
	s.Require().NoError(err)
	ch := chans[0]

	got := make(chan error, 1)
	go func() {
		_, err := ch.Get(s.ctx)
		got <- err
	}()
	time.Sleep(10 * time.Millisecond)

	s.Require().NoError(conn.Unsubscribe("quiet"))
	select {
	case err := <-got:
		s.True(errorx.IsOfType(err, redis.ErrChannelClosed))
	case <-time.After(time.Second):
		s.Fail("consumer not woken by unsubscribe")
	}
}

func (s *Suite) TestSubscribeDuringTransaction() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()

	s.Require().NoError(conn.Multi())
	_, err := conn.Subscribe(s.ctx, "x")
	s.True(errorx.IsOfType(err, redis.ErrTransactionState))
	s.Require().NoError(conn.Discard())
}

func (s *Suite) TestCloseClosesChannels() {
	conn := s.connect(redisconn.Opts{})

	chans, err := conn.Subscribe(s.ctx, "doomed")
	s.Require().NoError(err)
	ch := chans[0]

	conn.Close()
	s.Require().Eventually(ch.Closed, time.Second, time.Millisecond)
	_, err = ch.Get(s.ctx)
	s.True(errorx.IsOfType(err, redis.ErrChannelClosed))
}

// a closed and drained channel fails every read with the closed sentinel
func (s *Suite) TestGetOnClosedChannel() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()

	chans, err := conn.Subscribe(s.ctx, "once")
	s.Require().NoError(err)
	ch := chans[0]
	s.Require().NoError(conn.Unsubscribe("once"))
	s.Require().Eventually(ch.Closed, time.Second, time.Millisecond)

	_, err = ch.Get(s.ctx)
	s.True(errorx.IsOfType(err, redis.ErrChannelClosed))
	s.False(ch.WaitMessage(s.ctx))
}

func (s *Suite) TestGetContextCancel() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()

	chans, err := conn.Subscribe(s.ctx, "idle")
	s.Require().NoError(err)
	ch := chans[0]

	ctx, cancel := context.WithCancel(s.ctx)
	got := make(chan error, 1)
	go func() {
		_, err := ch.Get(ctx)
		got <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-got:
		s.True(errorx.IsOfType(err, redis.ErrRequestCancelled))
	case <-time.After(time.Second):
		s.Fail("consumer not woken by context cancel")
	}
}

// an idle subscribed connection must not be killed by the IO timeout
func (s *Suite) TestIdleSubscribedConnectionSurvives() {
	conn := s.connect(redisconn.Opts{IOTimeout: 50 * time.Millisecond})
	defer conn.Close()

	chans, err := conn.Subscribe(s.ctx, "slow")
	s.Require().NoError(err)
	ch := chans[0]

	time.Sleep(200 * time.Millisecond)
	s.True(conn.ConnectedNow())

	s.s.Publish("slow", "still here")
	m, err := ch.Get(s.ctx)
	s.Require().NoError(err)
	s.Equal([]byte("still here"), m.Payload)
}

func (s *Suite) TestSubscribeValidation() {
	conn := s.connect(redisconn.Opts{})
	defer conn.Close()

	_, err := conn.Subscribe(s.ctx)
	s.True(errorx.IsOfType(err, redis.ErrRequest))

	_, err = conn.Subscribe(nil, "x") //lint:ignore SA1012 nil context is part of the contract under test
	s.True(errorx.IsOfType(err, redis.ErrContextIsNil))
}
