package redis

import (
	"strconv"
)

// AppendRequest appends request to byte slice as RESP request (ie as array of
// bulk strings).
func AppendRequest(buf []byte, req Request) ([]byte, error) {
	buf = appendHead(buf, '*', int64(len(req.Args)+1))
	buf = appendHead(buf, '$', int64(len(req.Cmd)))
	buf = append(buf, req.Cmd...)
	buf = append(buf, '\r', '\n')
	for i, val := range req.Args {
		switch v := val.(type) {
		case string:
			buf = appendHead(buf, '$', int64(len(v)))
			buf = append(buf, v...)
		case []byte:
			buf = appendHead(buf, '$', int64(len(v)))
			buf = append(buf, v...)
		case int:
			buf = appendBulkInt(buf, int64(v))
		case uint:
			buf = appendBulkUint(buf, uint64(v))
		case int64:
			buf = appendBulkInt(buf, v)
		case uint64:
			buf = appendBulkUint(buf, v)
		case int32:
			buf = appendBulkInt(buf, int64(v))
		case uint32:
			buf = appendBulkUint(buf, uint64(v))
		case int8:
			buf = appendBulkInt(buf, int64(v))
		case uint8:
			buf = appendBulkUint(buf, uint64(v))
		case int16:
			buf = appendBulkInt(buf, int64(v))
		case uint16:
			buf = appendBulkUint(buf, uint64(v))
		case bool:
			if v {
				buf = append(buf, '$', '1', '\r', '\n', '1', '\r', '\n')
			} else {
				buf = append(buf, '$', '1', '\r', '\n', '0', '\r', '\n')
			}
			continue
		case float32:
			str := strconv.FormatFloat(float64(v), 'f', -1, 32)
			buf = appendHead(buf, '$', int64(len(str)))
			buf = append(buf, str...)
		case float64:
			str := strconv.FormatFloat(v, 'f', -1, 64)
			buf = appendHead(buf, '$', int64(len(str)))
			buf = append(buf, str...)
		case nil:
			buf = append(buf, '$', '0', '\r', '\n')
		default:
			return buf, ErrArgumentType.New("command argument type not supported").
				WithProperty(EKRequest, req).
				WithProperty(EKArgPos, i).
				WithProperty(EKVal, val)
		}
		buf = append(buf, '\r', '\n')
	}
	return buf, nil
}

func appendInt(b []byte, i int64) []byte {
	if i < 0 {
		b = append(b, '-')
		// uint64(-i) is the magnitude even when -i wraps at math.MinInt64
		return appendUint(b, uint64(-i))
	}
	return appendUint(b, uint64(i))
}

func appendUint(b []byte, u uint64) []byte {
	if u == 0 {
		return append(b, '0')
	}
	digits := [20]byte{}
	p := 20
	for u > 0 {
		n := u / 10
		p--
		digits[p] = byte(u-n*10) + '0'
		u = n
	}
	return append(b, digits[p:]...)
}

func appendHead(b []byte, t byte, i int64) []byte {
	b = append(b, t)
	b = appendInt(b, i)
	return append(b, '\r', '\n')
}

func appendBulkInt(b []byte, i int64) []byte {
	if i < 0 {
		b = appendHead(b, '$', int64(1+uintDigits(uint64(-i))))
	} else {
		b = appendHead(b, '$', int64(uintDigits(uint64(i))))
	}
	return appendInt(b, i)
}

func appendBulkUint(b []byte, u uint64) []byte {
	b = appendHead(b, '$', int64(uintDigits(u)))
	return appendUint(b, u)
}

func uintDigits(u uint64) int {
	d := 1
	for u >= 10 {
		u /= 10
		d++
	}
	return d
}
