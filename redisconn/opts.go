package redisconn

import (
	"os"
	"time"

	"github.com/ghodss/yaml"

	"github.com/kernel0/aioredis/redis"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultKeepAlive   = 300 * time.Millisecond
	defaultIOTimeout   = 1 * time.Second
)

// Opts - options for Connect.
type Opts struct {
	// DB - database number.
	DB int
	// Password for AUTH.
	Password string
	// DialTimeout is timeout for net.Dialer.
	// If not set, defaults to 5 seconds.
	DialTimeout time.Duration
	// IOTimeout - timeout on read/write to socket while a reply is awaited.
	// If IOTimeout == 0, then it is set to 1 second.
	// If IOTimeout < 0, then timeout is disabled.
	// The timeout is not applied to reads on an idle subscribed connection:
	// pushed messages may legitimately be arbitrarily far apart.
	IOTimeout time.Duration
	// TCPKeepAlive - KeepAlive parameter for net.Dialer.
	// default 300 milliseconds, disabled if < 0.
	TCPKeepAlive time.Duration
	// Handle is returned with Connection.Handle().
	Handle interface{}
	// Logger for connection events.
	Logger Logger
	// ScriptMode permits blocking commands (BLPOP, etc).
	// Blocking calls stall the whole pipeline, therefore they are rejected
	// unless this option is set. Use it only when the connection is driven
	// by a single goroutine.
	ScriptMode bool
}

// fileOpts is the YAML shape of an options file.
// ghodss/yaml converts YAML to JSON first, hence json tags.
type fileOpts struct {
	Addr         string `json:"addr"`
	DB           int    `json:"db"`
	Password     string `json:"password"`
	DialTimeout  string `json:"dialTimeout"`
	IOTimeout    string `json:"ioTimeout"`
	TCPKeepAlive string `json:"tcpKeepAlive"`
	ScriptMode   bool   `json:"scriptMode"`
}

// LoadOpts reads connection address and options from a YAML file.
// Durations are strings in time.ParseDuration format ("150ms", "2s").
// Zero values fall back to the usual Opts defaults.
func LoadOpts(path string) (string, Opts, error) {
	var opts Opts
	data, err := os.ReadFile(path)
	if err != nil {
		return "", opts, redis.ErrOpts.Wrap(err, "could not read options file")
	}
	var f fileOpts
	if err := yaml.Unmarshal(data, &f); err != nil {
		return "", opts, redis.ErrOpts.Wrap(err, "could not parse options file")
	}
	opts.DB = f.DB
	opts.Password = f.Password
	opts.ScriptMode = f.ScriptMode
	for _, d := range []struct {
		src string
		dst *time.Duration
	}{
		{f.DialTimeout, &opts.DialTimeout},
		{f.IOTimeout, &opts.IOTimeout},
		{f.TCPKeepAlive, &opts.TCPKeepAlive},
	} {
		if d.src == "" {
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return "", opts, redis.ErrOpts.Wrap(err, "could not parse duration %q", d.src)
		}
		*d.dst = v
	}
	return f.Addr, opts, nil
}
