package redisconn

import "log"

// LogKind is a kind of event to be logged.
type LogKind int

const (
	// LogConnecting is logged when connection establishing is started.
	LogConnecting LogKind = iota
	// LogConnected is logged when connection established.
	LogConnected
	// LogConnectFailed is logged when connection establishing failed.
	LogConnectFailed
	// LogDisconnected is logged when connection were broken by transport or
	// protocol failure.
	LogDisconnected
	// LogContextClosed is logged when connection is explicitly closed.
	LogContextClosed
	// LogMAX is a guard for custom loggers.
	LogMAX
)

// Logger is a hook for logging connection events.
type Logger interface {
	// Report is called with the event kind and event-specific values.
	Report(event LogKind, conn *Connection, v ...interface{})
}

type defaultLogger struct{}

func (d defaultLogger) Report(event LogKind, conn *Connection, v ...interface{}) {
	switch event {
	case LogConnecting:
		log.Printf("redis: connecting to %s", conn.Addr())
	case LogConnected:
		localAddr := v[0].(string)
		remoteAddr := v[1].(string)
		log.Printf("redis: connected to %s (local addr: %s, remote addr: %s)",
			conn.Addr(), localAddr, remoteAddr)
	case LogConnectFailed:
		err := v[0].(error)
		log.Printf("redis: connection to %s failed: %s", conn.Addr(), err.Error())
	case LogDisconnected:
		err := v[0].(error)
		log.Printf("redis: connection to %s broken: %s", conn.Addr(), err.Error())
	case LogContextClosed:
		log.Printf("redis: connection to %s explicitly closed", conn.Addr())
	default:
		args := []interface{}{"redis: unexpected event:", event, conn}
		args = append(args, v...)
		log.Print(args...)
	}
}
