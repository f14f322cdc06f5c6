package redis

import (
	"fmt"

	"github.com/joomcode/errorx"
)

// AsError casts result to error if it is an error.
func AsError(v interface{}) error {
	e, _ := v.(error)
	return e
}

// AsErrorx casts result to *errorx.Error if it is an error.
func AsErrorx(v interface{}) *errorx.Error {
	e, _ := v.(*errorx.Error)
	if e == nil {
		if _, ok := v.(error); ok {
			panic(fmt.Errorf("result should be either *errorx.Error, or not error at all, but got %#v", v))
		}
	}
	return e
}

// HardError returns true if error is not kind of regular redis error response,
// ie the connection itself is in trouble.
func HardError(e *errorx.Error) bool {
	return e != nil && !e.IsOfType(ErrResult)
}

// TransactionResponse parses response of EXEC command.
// EXEC returns either an array of results (one per queued command), or an
// abort marker.
func TransactionResponse(res interface{}) ([]interface{}, error) {
	if arr, ok := res.([]interface{}); ok {
		return arr, nil
	}
	if res == nil {
		res = ErrExecAborted.NewWithNoMessage()
	}
	if _, ok := res.(error); !ok {
		res = ErrResponseUnexpected.NewWithNoMessage().WithProperty(EKResponse, res)
	}
	return nil, res.(error)
}

// ScanResponse parses response of Scan command.
func ScanResponse(res interface{}) ([]byte, []string, error) {
	if err := AsError(res); err != nil {
		return nil, nil, err
	}
	var ok bool
	var arr []interface{}
	var it []byte
	var keys []interface{}
	var strs []string
	if arr, ok = res.([]interface{}); !ok || len(arr) != 2 {
		goto wrong
	}
	if it, ok = arr[0].([]byte); !ok {
		goto wrong
	}
	if keys, ok = arr[1].([]interface{}); !ok {
		goto wrong
	}
	strs = make([]string, len(keys))
	for i, k := range keys {
		var b []byte
		if b, ok = k.([]byte); !ok {
			goto wrong
		}
		strs[i] = string(b)
	}
	return it, strs, nil

wrong:
	return nil, nil, ErrResponseUnexpected.NewWithNoMessage().WithProperty(EKResponse, res)
}

// Push kinds are heads of push-type frames the server sends while the
// connection is (becoming) subscribed.
const (
	PushSubscribe    = "subscribe"
	PushUnsubscribe  = "unsubscribe"
	PushPSubscribe   = "psubscribe"
	PushPUnsubscribe = "punsubscribe"
	PushMessage      = "message"
	PushPMessage     = "pmessage"
)

var pushKinds = map[string]bool{
	PushSubscribe:    true,
	PushUnsubscribe:  true,
	PushPSubscribe:   true,
	PushPUnsubscribe: true,
	PushMessage:      true,
	PushPMessage:     true,
}

// PushKind detects whether an array frame is a push-type message, and returns
// its kind. Only meaningful while subscriptions are engaged on a connection:
// an ordinary reply could have the same shape by pure coincidence.
func PushKind(arr []interface{}) (string, bool) {
	if len(arr) < 3 {
		return "", false
	}
	var kind string
	switch h := arr[0].(type) {
	case []byte:
		kind = string(h)
	case string:
		kind = h
	default:
		return "", false
	}
	return kind, pushKinds[kind]
}

// PushByteArg extracts bulk-string element of a push frame as string.
func PushByteArg(arr []interface{}, i int) (string, bool) {
	if i >= len(arr) {
		return "", false
	}
	switch v := arr[i].(type) {
	case []byte:
		return string(v), true
	case string:
		return v, true
	}
	return "", false
}
