package redisconn_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernel0/aioredis/redis"
	"github.com/kernel0/aioredis/redisconn"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "redis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOpts(t *testing.T) {
	path := writeConfig(t, `
addr: 127.0.0.1:6379
db: 3
password: sesame
dialTimeout: 2s
ioTimeout: 150ms
tcpKeepAlive: 45s
scriptMode: true
`)
	addr, opts, err := redisconn.LoadOpts(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6379", addr)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, "sesame", opts.Password)
	assert.Equal(t, 2*time.Second, opts.DialTimeout)
	assert.Equal(t, 150*time.Millisecond, opts.IOTimeout)
	assert.Equal(t, 45*time.Second, opts.TCPKeepAlive)
	assert.True(t, opts.ScriptMode)
}

func TestLoadOptsDefaults(t *testing.T) {
	path := writeConfig(t, "addr: localhost:6379\n")
	addr, opts, err := redisconn.LoadOpts(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", addr)
	assert.Zero(t, opts.DB)
	assert.Zero(t, opts.DialTimeout)
	assert.Zero(t, opts.IOTimeout)
	assert.False(t, opts.ScriptMode)
}

func TestLoadOptsErrors(t *testing.T) {
	_, _, err := redisconn.LoadOpts(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errorx.IsOfType(err, redis.ErrOpts))

	path := writeConfig(t, "addr: x\nioTimeout: nonsense\n")
	_, _, err = redisconn.LoadOpts(path)
	assert.True(t, errorx.IsOfType(err, redis.ErrOpts))

	path = writeConfig(t, "{not yaml")
	_, _, err = redisconn.LoadOpts(path)
	assert.True(t, errorx.IsOfType(err, redis.ErrOpts))
}
