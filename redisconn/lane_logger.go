package redisconn

import (
	"github.com/jimsnab/go-lane"
)

// LaneLogger reports connection events through a lane.Lane, so that services
// built on go-lane get connection lifecycle events with their correlation ids.
type LaneLogger struct {
	L lane.Lane
}

// Report implements Logger.
func (l LaneLogger) Report(event LogKind, conn *Connection, v ...interface{}) {
	switch event {
	case LogConnecting:
		l.L.Infof("redis: connecting to %s", conn.Addr())
	case LogConnected:
		localAddr := v[0].(string)
		remoteAddr := v[1].(string)
		l.L.Infof("redis: connected to %s (local addr: %s, remote addr: %s)",
			conn.Addr(), localAddr, remoteAddr)
	case LogConnectFailed:
		l.L.Errorf("redis: connection to %s failed: %s", conn.Addr(), v[0].(error).Error())
	case LogDisconnected:
		l.L.Errorf("redis: connection to %s broken: %s", conn.Addr(), v[0].(error).Error())
	case LogContextClosed:
		l.L.Infof("redis: connection to %s explicitly closed", conn.Addr())
	default:
		l.L.Warnf("redis: unexpected event %d on %s: %v", event, conn.Addr(), v)
	}
}
