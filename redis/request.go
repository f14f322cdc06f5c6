package redis

import (
	"strconv"
)

// Req is a shortcut to create Request.
func Req(cmd string, args ...interface{}) Request {
	return Request{cmd, args}
}

// Request represents request to be passed to redis.
type Request struct {
	// Cmd is a redis command to be sent.
	Cmd  string
	Args []interface{}
}

func (req Request) String() string {
	rep := req.Cmd
	for i, a := range req.Args {
		if i >= 9 {
			rep += " ..."
			break
		}
		if s, ok := ArgToString(a); ok {
			rep += " " + s
		} else {
			rep += " <unserializable>"
		}
	}
	return rep
}

// Future is interface accepted by Sender to signal request completion.
//
// Every future is resolved exactly once: either with a result value, or with
// an *errorx.Error.
type Future interface {
	// Resolve is called by sender to pass result (or error) for particular request.
	// Single future could be used for accepting multiple results:
	// n is an index of request in a batch, or an arbitrary user cookie.
	// Note: it is called from the connection reader loop, therefore it should
	// not perform slow or blocking actions.
	Resolve(res interface{}, n uint64)
	// Cancelled informs sender that waiter is gone.
	// A cancelled waiter only abandons the wait: the command itself was
	// already sent, and its reply is still consumed and discarded by the
	// reader loop to keep the connection in sync.
	Cancelled() bool
}

// FuncFuture - simple wrapper that makes Future from function.
type FuncFuture func(res interface{}, n uint64)

// Cancelled implements Future.Cancelled (always false)
func (f FuncFuture) Cancelled() bool { return false }

// Resolve implements Future.Resolve (by calling wrapped function).
func (f FuncFuture) Resolve(res interface{}, n uint64) { f(res, n) }

// ArgToString returns string representation of an argument.
// Used in logging and request stringification.
func ArgToString(arg interface{}) (string, bool) {
	switch v := arg.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	case int:
		return strconv.Itoa(v), true
	case uint:
		return strconv.FormatUint(uint64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case uint32:
		return strconv.FormatUint(uint64(v), 10), true
	case int8:
		return strconv.FormatInt(int64(v), 10), true
	case uint8:
		return strconv.FormatUint(uint64(v), 10), true
	case int16:
		return strconv.FormatInt(int64(v), 10), true
	case uint16:
		return strconv.FormatUint(uint64(v), 10), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		if v {
			return "1", true
		}
		return "0", true
	case nil:
		return "", true
	default:
		return "", false
	}
}
