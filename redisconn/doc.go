/*
Package redisconn implements an asynchronous single connection to a redis
server.

Connection is a concrete redis.Sender: it writes commands to the socket as
they are submitted, keeps a FIFO queue of completion handles, and matches
replies to handles strictly in order, so hundreds of goroutines can share one
connection with no per-command round trips.

On top of plain pipelining it implements client-buffered MULTI/EXEC
transactions (Multi, Exec, Discard) and pub/sub (Subscribe, PSubscribe), both
multiplexed over the same socket and the same reader loop.

There is no reconnection: any transport or protocol failure fails every
outstanding command and the connection has to be re-established with Connect.
*/
package redisconn
