// Package testbed provides a small in-process redis look-alike for tests.
//
// The server speaks just enough RESP for the client test suites: strings and
// counters, MULTI/EXEC/DISCARD with QUEUED acknowledgments, pub/sub with push
// frames, and a few fault-injection hooks (aborting the next EXEC, writing a
// malformed frame, withholding replies).
package testbed

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/kernel0/aioredis/internal/glob"
	"github.com/kernel0/aioredis/redis"
)

// Server is a single-tenant in-process server listening on a loopback port.
type Server struct {
	// Password, if set before clients connect, makes AUTH mandatory.
	Password string

	l net.Listener

	mu    sync.Mutex
	data  map[string]string
	conns map[*serverConn]struct{}
	log   [][]string

	abortNextExec bool
	failNextMulti bool
	holdReplies   bool
}

// Start launches a server on an ephemeral loopback port.
func Start() (*Server, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		l:     l,
		data:  make(map[string]string),
		conns: make(map[*serverConn]struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.l.Addr().String()
}

// Close stops the listener and drops every client connection.
func (s *Server) Close() {
	s.l.Close()
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.c.Close()
	}
}

// Commands returns every command received so far, in arrival order.
// Commands inside MULTI are logged at queue time.
func (s *Server) Commands() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.log))
	copy(out, s.log)
	return out
}

// CommandCount counts received commands by name.
func (s *Server) CommandCount(cmd string) int {
	cmd = strings.ToUpper(cmd)
	n := 0
	for _, c := range s.Commands() {
		if c[0] == cmd {
			n++
		}
	}
	return n
}

// ResetCommands clears the command log.
func (s *Server) ResetCommands() {
	s.mu.Lock()
	s.log = nil
	s.mu.Unlock()
}

// SetKey seeds a key directly.
func (s *Server) SetKey(key, value string) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

// Key reads a key directly.
func (s *Server) Key(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// AbortNextExec makes the next EXEC return a null reply, as if a watched key
// had been touched.
func (s *Server) AbortNextExec() {
	s.mu.Lock()
	s.abortNextExec = true
	s.mu.Unlock()
}

// FailNextMulti makes the next MULTI reply with an error instead of +OK.
func (s *Server) FailNextMulti() {
	s.mu.Lock()
	s.failNextMulti = true
	s.mu.Unlock()
}

func (s *Server) takeFailMulti() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.failNextMulti
	s.failNextMulti = false
	return f
}

// InjectGarbage writes a malformed frame to every connected client.
func (s *Server) InjectGarbage() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.writeRaw([]byte("!bogus\r\n"))
	}
}

// HoldReplies makes the server buffer outgoing replies instead of writing
// them, until ReleaseReplies. Push frames are held too.
func (s *Server) HoldReplies() {
	s.mu.Lock()
	s.holdReplies = true
	s.mu.Unlock()
}

// ReleaseReplies flushes held replies and resumes normal writing.
func (s *Server) ReleaseReplies() {
	s.mu.Lock()
	s.holdReplies = false
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.flushHeld()
	}
}

// Publish delivers a message to subscribers directly, without a publishing
// client. Returns the number of deliveries.
func (s *Server) Publish(channel, payload string) int {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	n := 0
	for _, c := range conns {
		n += c.deliver(channel, payload)
	}
	return n
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.l.Accept()
		if err != nil {
			return
		}
		sc := &serverConn{
			srv:    s,
			c:      c,
			subs:   make(map[string]struct{}),
			psubs:  make(map[string]*glob.Pattern),
			authed: s.Password == "",
		}
		s.mu.Lock()
		s.conns[sc] = struct{}{}
		s.mu.Unlock()
		go sc.serve()
	}
}

func (s *Server) record(cmd []string) {
	s.mu.Lock()
	s.log = append(s.log, cmd)
	s.mu.Unlock()
}

func (s *Server) takeAbortExec() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.abortNextExec
	s.abortNextExec = false
	return a
}

type serverConn struct {
	srv *Server
	c   net.Conn

	wmu  sync.Mutex
	held []byte

	smu    sync.Mutex
	subs   map[string]struct{}
	psubs  map[string]*glob.Pattern
	authed bool

	inMulti bool
	txErr   bool
	queued  [][]string
}

func (sc *serverConn) serve() {
	defer func() {
		sc.srv.mu.Lock()
		delete(sc.srv.conns, sc)
		sc.srv.mu.Unlock()
		sc.c.Close()
	}()
	r := bufio.NewReader(sc.c)
	for {
		cmd, ok := readCommand(r)
		if !ok {
			return
		}
		sc.srv.record(cmd)
		sc.dispatch(cmd)
	}
}

// readCommand parses one inline array-of-bulk-strings request.
func readCommand(r *bufio.Reader) ([]string, bool) {
	res := redis.ReadResponse(r)
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, false
	}
	cmd := make([]string, len(arr))
	for i, a := range arr {
		b, ok := a.([]byte)
		if !ok {
			return nil, false
		}
		cmd[i] = string(b)
	}
	cmd[0] = strings.ToUpper(cmd[0])
	return cmd, true
}

func (sc *serverConn) dispatch(cmd []string) {
	name := cmd[0]
	if !sc.authed && name != "AUTH" {
		sc.writeRaw(respError("NOAUTH Authentication required."))
		return
	}
	switch name {
	case "MULTI":
		if sc.srv.takeFailMulti() {
			sc.writeRaw(respError("ERR MULTI refused"))
			return
		}
		if sc.inMulti {
			sc.writeRaw(respError("ERR MULTI calls can not be nested"))
			return
		}
		sc.inMulti = true
		sc.txErr = false
		sc.queued = nil
		sc.writeRaw(respSimple("OK"))
	case "EXEC":
		sc.execTransaction()
	case "DISCARD":
		if !sc.inMulti {
			sc.writeRaw(respError("ERR DISCARD without MULTI"))
			return
		}
		sc.inMulti = false
		sc.queued = nil
		sc.writeRaw(respSimple("OK"))
	default:
		if sc.inMulti {
			if !knownCommand(name) {
				sc.txErr = true
				sc.writeRaw(respError("ERR unknown command '" + cmd[0] + "'"))
				return
			}
			sc.queued = append(sc.queued, cmd)
			sc.writeRaw(respSimple("QUEUED"))
			return
		}
		sc.writeRaw(sc.execute(cmd))
	}
}

func (sc *serverConn) execTransaction() {
	if !sc.inMulti {
		sc.writeRaw(respError("ERR EXEC without MULTI"))
		return
	}
	queued := sc.queued
	txErr := sc.txErr
	sc.inMulti = false
	sc.queued = nil
	sc.txErr = false
	if txErr {
		sc.writeRaw(respError("EXECABORT Transaction discarded because of previous errors."))
		return
	}
	if sc.srv.takeAbortExec() {
		sc.writeRaw([]byte("*-1\r\n"))
		return
	}
	out := []byte(fmt.Sprintf("*%d\r\n", len(queued)))
	for _, cmd := range queued {
		out = append(out, sc.execute(cmd)...)
	}
	sc.writeRaw(out)
}

func knownCommand(name string) bool {
	switch name {
	case "PING", "ECHO", "AUTH", "SELECT", "GET", "SET", "DEL", "INCR",
		"SCAN", "PUBLISH", "SUBSCRIBE", "UNSUBSCRIBE", "PSUBSCRIBE", "PUNSUBSCRIBE":
		return true
	}
	return false
}

// execute runs a data command and returns the serialized reply.
func (sc *serverConn) execute(cmd []string) []byte {
	s := sc.srv
	switch cmd[0] {
	case "PING":
		if len(cmd) > 1 {
			return respBulk(cmd[1])
		}
		return respSimple("PONG")
	case "ECHO":
		if len(cmd) != 2 {
			return respError("ERR wrong number of arguments for 'echo' command")
		}
		return respBulk(cmd[1])
	case "AUTH":
		if len(cmd) != 2 {
			return respError("ERR wrong number of arguments for 'auth' command")
		}
		if s.Password == "" || cmd[1] != s.Password {
			return respError("ERR invalid password")
		}
		sc.authed = true
		return respSimple("OK")
	case "SELECT":
		if len(cmd) != 2 {
			return respError("ERR wrong number of arguments for 'select' command")
		}
		if _, err := strconv.Atoi(cmd[1]); err != nil {
			return respError("ERR invalid DB index")
		}
		return respSimple("OK")
	case "GET":
		if len(cmd) != 2 {
			return respError("ERR wrong number of arguments for 'get' command")
		}
		s.mu.Lock()
		v, ok := s.data[cmd[1]]
		s.mu.Unlock()
		if !ok {
			return []byte("$-1\r\n")
		}
		return respBulk(v)
	case "SET":
		if len(cmd) < 3 {
			return respError("ERR wrong number of arguments for 'set' command")
		}
		s.mu.Lock()
		s.data[cmd[1]] = cmd[2]
		s.mu.Unlock()
		return respSimple("OK")
	case "DEL":
		n := 0
		s.mu.Lock()
		for _, k := range cmd[1:] {
			if _, ok := s.data[k]; ok {
				delete(s.data, k)
				n++
			}
		}
		s.mu.Unlock()
		return respInt(int64(n))
	case "INCR":
		if len(cmd) != 2 {
			return respError("ERR wrong number of arguments for 'incr' command")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		v := s.data[cmd[1]]
		if v == "" {
			v = "0"
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return respError("ERR value is not an integer or out of range")
		}
		n++
		s.data[cmd[1]] = strconv.FormatInt(n, 10)
		return respInt(n)
	case "SCAN":
		return sc.scan(cmd)
	case "PUBLISH":
		if len(cmd) != 3 {
			return respError("ERR wrong number of arguments for 'publish' command")
		}
		return respInt(int64(s.Publish(cmd[1], cmd[2])))
	case "SUBSCRIBE", "PSUBSCRIBE", "UNSUBSCRIBE", "PUNSUBSCRIBE":
		return sc.subscription(cmd)
	}
	return respError("ERR unknown command '" + cmd[0] + "'")
}

func (sc *serverConn) scan(cmd []string) []byte {
	// single-batch scan: every cursor returns all keys and cursor 0
	var match *glob.Pattern
	for i := 2; i+1 < len(cmd); i += 2 {
		if strings.ToUpper(cmd[i]) == "MATCH" {
			match = glob.Compile(cmd[i+1])
		}
	}
	s := sc.srv
	s.mu.Lock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if match == nil || match.Match(k) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	out := []byte("*2\r\n")
	out = append(out, respBulk("0")...)
	out = append(out, []byte(fmt.Sprintf("*%d\r\n", len(keys)))...)
	for _, k := range keys {
		out = append(out, respBulk(k)...)
	}
	return out
}

// subscription handles the four subscription commands. The reply is a series
// of push frames, one per name, each carrying the remaining subscription
// count.
func (sc *serverConn) subscription(cmd []string) []byte {
	kind := strings.ToLower(cmd[0])
	names := cmd[1:]
	if (kind == "unsubscribe" || kind == "punsubscribe") && len(names) == 0 {
		if kind == "punsubscribe" {
			for p := range sc.psubs {
				names = append(names, p)
			}
		} else {
			for ch := range sc.subs {
				names = append(names, ch)
			}
		}
	}
	var out []byte
	sc.smu.Lock()
	for _, name := range names {
		switch kind {
		case "subscribe":
			sc.subs[name] = struct{}{}
		case "psubscribe":
			sc.psubs[name] = glob.Compile(name)
		case "unsubscribe":
			delete(sc.subs, name)
		case "punsubscribe":
			delete(sc.psubs, name)
		}
		cnt := int64(len(sc.subs) + len(sc.psubs))
		out = append(out, pushFrame(kind, name, cnt)...)
	}
	sc.smu.Unlock()
	return out
}

// deliver pushes a published message into this connection's subscriptions.
func (sc *serverConn) deliver(channel, payload string) int {
	n := 0
	sc.smu.Lock()
	defer sc.smu.Unlock()
	if _, ok := sc.subs[channel]; ok {
		frame := []byte("*3\r\n")
		frame = append(frame, respBulk("message")...)
		frame = append(frame, respBulk(channel)...)
		frame = append(frame, respBulk(payload)...)
		sc.writeRaw(frame)
		n++
	}
	for pat, g := range sc.psubs {
		if g.Match(channel) {
			frame := []byte("*4\r\n")
			frame = append(frame, respBulk("pmessage")...)
			frame = append(frame, respBulk(pat)...)
			frame = append(frame, respBulk(channel)...)
			frame = append(frame, respBulk(payload)...)
			sc.writeRaw(frame)
			n++
		}
	}
	return n
}

func (sc *serverConn) writeRaw(b []byte) {
	sc.srv.mu.Lock()
	hold := sc.srv.holdReplies
	sc.srv.mu.Unlock()
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	if hold {
		sc.held = append(sc.held, b...)
		return
	}
	sc.c.Write(b)
}

func (sc *serverConn) flushHeld() {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	if len(sc.held) > 0 {
		sc.c.Write(sc.held)
		sc.held = nil
	}
}

func respSimple(s string) []byte {
	return []byte("+" + s + "\r\n")
}

func respError(s string) []byte {
	return []byte("-" + s + "\r\n")
}

func respInt(n int64) []byte {
	return []byte(":" + strconv.FormatInt(n, 10) + "\r\n")
}

func respBulk(s string) []byte {
	return []byte(fmt.Sprintf("$%d\r\n%s\r\n", len(s), s))
}

func pushFrame(kind, name string, cnt int64) []byte {
	out := []byte("*3\r\n")
	out = append(out, respBulk(kind)...)
	out = append(out, respBulk(name)...)
	out = append(out, respInt(cnt)...)
	return out
}
