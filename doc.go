/*
Package aioredis is an asynchronous redis client built around a single
multiplexed connection.

Every command is pipelined implicitly: calling Send serializes the command
into a shared write buffer and registers a completion handle; a writer
goroutine streams the buffer to the socket and a reader goroutine matches
replies back to handles in strict FIFO order. No request waits for another's
round trip, and no locks are held while waiting.

The client supports client-buffered MULTI/EXEC transactions whose command
results are reconciled positionally from EXEC's aggregate reply, and pub/sub
with per-channel mailboxes, both over the same connection.

Results are values: a command's outcome is an interface{} that is either the
reply or an *errorx.Error. Use redis.AsError / redis.AsErrorx to test for
errors, and the error types of the redis package to tell transient command
errors from fatal connection ones.

Subpackages:

  - redis: the protocol layer: request serialization, response parsing,
    the Sender and Future interfaces, the error taxonomy, and synchronous
    adapters (redis.Sync, redis.SyncCtx) over any Sender.
  - redisconn: the connection itself.
  - testbed: an in-process server for tests.

Usage:

	conn, err := redisconn.Connect(ctx, "127.0.0.1:6379", redisconn.Opts{})
	if err != nil {
		// handle
	}
	sync := redis.SyncCtx{S: conn}
	res := sync.Do(ctx, "SET", "key", "value")
	if err := redis.AsError(res); err != nil {
		// handle
	}
*/
package aioredis
