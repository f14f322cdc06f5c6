package redis

import (
	"strings"
)

// Command classification.
//
// The core treats commands as opaque strings, except for the few classes that
// switch the connection into a different protocol mode or stall the reply
// stream. Those need special handling by the connection and are listed here.

type commandClass uint8

const (
	classData commandClass = iota
	classSubscribe
	classTransaction
	classBlocking
)

var commandClasses = map[string]commandClass{
	"SUBSCRIBE":    classSubscribe,
	"UNSUBSCRIBE":  classSubscribe,
	"PSUBSCRIBE":   classSubscribe,
	"PUNSUBSCRIBE": classSubscribe,

	"MULTI":   classTransaction,
	"EXEC":    classTransaction,
	"DISCARD": classTransaction,
	"WATCH":   classTransaction,
	"UNWATCH": classTransaction,

	"BLPOP":      classBlocking,
	"BRPOP":      classBlocking,
	"BRPOPLPUSH": classBlocking,
	"BLMOVE":     classBlocking,
	"BLMPOP":     classBlocking,
	"BZPOPMIN":   classBlocking,
	"BZPOPMAX":   classBlocking,
	"BZMPOP":     classBlocking,
	"XREAD":      classBlocking,
	"XREADGROUP": classBlocking,
	"WAIT":       classBlocking,
	"SAVE":       classBlocking,
}

func classOf(cmd string) commandClass {
	if c, ok := commandClasses[cmd]; ok {
		return c
	}
	// lookup above is for the common case of canonical upper-case spelling
	if c, ok := commandClasses[strings.ToUpper(cmd)]; ok {
		return c
	}
	return classData
}

// SubscribeCommand returns true for SUBSCRIBE/UNSUBSCRIBE/PSUBSCRIBE/PUNSUBSCRIBE,
// the only commands permitted while the connection is in subscribed mode.
func SubscribeCommand(cmd string) bool {
	return classOf(cmd) == classSubscribe
}

// TransactionCommand returns true for commands that manipulate the
// transaction state of a connection (MULTI/EXEC/DISCARD/WATCH/UNWATCH).
// They may not be issued through the generic Send: connection bookkeeping
// would go out of sync.
func TransactionCommand(cmd string) bool {
	return classOf(cmd) == classTransaction
}

// Blocking returns true for commands that block the server-side connection.
// A blocked connection stalls every pipelined request behind it, therefore
// such commands are rejected unless explicitly allowed by options.
func Blocking(cmd string) bool {
	return classOf(cmd) == classBlocking
}
