package redisconn

import (
	"github.com/kernel0/aioredis/redis"
)

type connScanner struct {
	redis.ScannerBase

	c *Connection
}

var _ redis.Scanner = (*connScanner)(nil)

func (s *connScanner) Next(cb redis.Future) {
	if s.Err != nil {
		cb.Resolve(s.Err, 0)
		return
	}
	if s.Iter != nil && s.IterLast() {
		cb.Resolve(nil, 0)
		return
	}
	s.DoNext(cb, s.c)
}
