package redisconn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joomcode/errorx"

	"github.com/kernel0/aioredis/redis"
)

const (
	connOpen = iota + 1
	connClosing
	connClosed
)

const (
	modeNormal = iota
	modeSubscribed
)

// Connection is a single asynchronous connection to a redis server.
//
// All commands are pipelined implicitly: Send appends the serialized command
// to a write buffer together with a completion record, a writer goroutine
// flushes the buffer, and a reader goroutine matches replies to completion
// records strictly in order. No locks are held while waiting for a reply, so
// many goroutines can share one connection.
//
// A connection also supports client-buffered MULTI/EXEC transactions (Multi,
// Exec, Discard) and pub/sub (Subscribe, PSubscribe). While subscribed, data
// commands are rejected until the last subscription is dropped.
//
// The connection does not reconnect: any transport or protocol failure is
// fatal, fails every outstanding command, and leaves the connection closed.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc
	state  uint32 // atomic
	mode   uint32 // atomic

	addr string
	c    net.Conn

	// mutex guards wbuf, pending tail, tx and closeErr so that byte append
	// and completion append are one atomic step (the ordering invariant).
	mutex    sync.Mutex
	wbuf     []byte
	pending  pendingQueue
	tx       *txBuffer
	closeErr *errorx.Error

	dirty chan struct{}

	subs subRouter

	closeOnce sync.Once

	opts Opts
}

// Connect establishes a connection to the redis server at addr.
//
// addr is either "host:port", or "unix:path" for a unix domain socket.
// Dialing, authentication and database selection happen synchronously;
// Connect returns only a usable connection or an error.
//
// ctx bounds the lifetime of the connection, not just the dial: cancelling it
// closes the connection and fails all outstanding commands.
func Connect(ctx context.Context, addr string, opts Opts) (*Connection, error) {
	if ctx == nil {
		return nil, redis.ErrContextIsNil.NewWithNoMessage()
	}
	if addr == "" {
		return nil, redis.ErrNoAddressProvided.NewWithNoMessage()
	}

	if opts.Logger == nil {
		opts.Logger = defaultLogger{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.IOTimeout == 0 {
		opts.IOTimeout = defaultIOTimeout
	}
	if opts.TCPKeepAlive == 0 {
		opts.TCPKeepAlive = defaultKeepAlive
	}

	ctx, cancel := context.WithCancel(ctx)
	conn := &Connection{
		ctx:    ctx,
		cancel: cancel,
		addr:   addr,
		opts:   opts,
		dirty:  make(chan struct{}, 1),
	}

	conn.report(LogConnecting)
	c, err := conn.dial()
	if err != nil {
		conn.report(LogConnectFailed, err)
		cancel()
		return nil, err
	}
	conn.c = c
	atomic.StoreUint32(&conn.state, connOpen)
	conn.report(LogConnected, c.LocalAddr().String(), c.RemoteAddr().String())

	go conn.writer()
	go conn.reader()
	go conn.control()

	return conn, nil
}

// dial opens the transport and performs the handshake (AUTH, PING, SELECT)
// synchronously on the raw connection before any goroutines run.
func (conn *Connection) dial() (net.Conn, error) {
	network := "tcp"
	address := conn.addr
	if strings.HasPrefix(address, "unix:") {
		network = "unix"
		address = address[len("unix:"):]
	}
	dialer := net.Dialer{
		Timeout:   conn.opts.DialTimeout,
		KeepAlive: conn.opts.TCPKeepAlive,
	}
	c, err := dialer.DialContext(conn.ctx, network, address)
	if err != nil {
		return nil, redis.ErrDial.WrapWithNoMessage(err).
			WithProperty(EKConnection, conn)
	}

	var req []byte
	if conn.opts.Password != "" {
		req, _ = redis.AppendRequest(req, redis.Req("AUTH", conn.opts.Password))
	}
	req, _ = redis.AppendRequest(req, redis.Req("PING"))
	if conn.opts.DB != 0 {
		req, _ = redis.AppendRequest(req, redis.Req("SELECT", conn.opts.DB))
	}

	if conn.opts.IOTimeout > 0 {
		c.SetDeadline(time.Now().Add(conn.opts.IOTimeout))
	}
	if _, err = c.Write(req); err != nil {
		c.Close()
		return nil, redis.ErrConnSetup.WrapWithNoMessage(err).
			WithProperty(EKConnection, conn)
	}
	r := bufio.NewReader(c)

	if conn.opts.Password != "" {
		res := redis.ReadResponse(r)
		if err := authError(res); err != nil {
			c.Close()
			return nil, err.WithProperty(EKConnection, conn)
		}
	}

	res := redis.ReadResponse(r)
	if err := redis.AsErrorx(res); err != nil {
		c.Close()
		if err.IsOfType(redis.ErrResult) {
			err = redis.ErrConnSetup.WrapWithNoMessage(err)
		}
		return nil, err.WithProperty(EKConnection, conn)
	}
	if str, ok := res.(string); !ok || str != "PONG" {
		c.Close()
		return nil, redis.ErrPing.New("ping response mismatch").
			WithProperty(redis.EKResponse, res).
			WithProperty(EKConnection, conn)
	}

	if conn.opts.DB != 0 {
		res := redis.ReadResponse(r)
		if err := redis.AsErrorx(res); err != nil {
			c.Close()
			if err.IsOfType(redis.ErrResult) {
				err = redis.ErrConnSetup.Wrap(err, "could not select db %d", conn.opts.DB)
			}
			return nil, err.WithProperty(EKDb, conn.opts.DB).
				WithProperty(EKConnection, conn)
		}
	}

	c.SetDeadline(time.Time{})
	return c, nil
}

func authError(res interface{}) *errorx.Error {
	if err := redis.AsErrorx(res); err != nil {
		if err.IsOfType(redis.ErrResult) {
			err = redis.ErrAuth.WrapWithNoMessage(err)
		}
		return err
	}
	if str, ok := res.(string); !ok || str != "OK" {
		return redis.ErrAuth.New("auth response mismatch").
			WithProperty(redis.EKResponse, res)
	}
	return nil
}

// Ctx returns the context bound to the connection lifetime.
func (conn *Connection) Ctx() context.Context {
	return conn.ctx
}

// ConnectedNow reports whether the connection is usable at this moment.
func (conn *Connection) ConnectedNow() bool {
	return atomic.LoadUint32(&conn.state) == connOpen
}

// Addr returns the address the connection was dialed to.
func (conn *Connection) Addr() string {
	return conn.addr
}

// LocalAddr returns the local address of the transport.
func (conn *Connection) LocalAddr() string {
	return conn.c.LocalAddr().String()
}

// RemoteAddr returns the remote address of the transport.
func (conn *Connection) RemoteAddr() string {
	return conn.c.RemoteAddr().String()
}

// Handle returns the user handle set in Opts.
func (conn *Connection) Handle() interface{} {
	return conn.opts.Handle
}

func (conn *Connection) String() string {
	return fmt.Sprintf("*redisconn.Connection{addr: %s}", conn.addr)
}

// Close initiates shutdown. Commands still in the pending queue are failed in
// submission order; subscribed channels are closed.
func (conn *Connection) Close() {
	atomic.CompareAndSwapUint32(&conn.state, connOpen, connClosing)
	conn.cancel()
}

// Send sends a single command and arranges for cb to be resolved with its
// reply (or an error) under index n. The command is written as soon as the
// writer goroutine gets to it; Send itself never waits for the reply.
//
// Subscribe-class and transaction-class commands are rejected: they have
// dedicated APIs. Blocking commands are rejected too unless Opts.ScriptMode
// is set, since a blocked reply stalls every other request on the wire.
func (conn *Connection) Send(req redis.Request, cb redis.Future, n uint64) {
	if cb != nil && cb.Cancelled() {
		return
	}
	if err := conn.checkCommand(req); err != nil {
		resolve(cb, err.WithProperty(redis.EKRequest, req), n)
		return
	}
	conn.mutex.Lock()
	if atomic.LoadUint32(&conn.state) != connOpen {
		err := conn.closedErrorLocked()
		conn.mutex.Unlock()
		resolve(cb, err, n)
		return
	}
	if err := conn.pushLocked(req, cb, n); err != nil {
		conn.mutex.Unlock()
		resolve(cb, err, n)
		return
	}
	conn.mutex.Unlock()
}

// SendMany sends several independent commands at once. Their bytes are
// queued back to back, so replies resolve in argument order. Unlike
// SendTransaction no atomicity is implied.
//
// If any command fails to serialize, none are sent and every future is
// resolved with the batch error.
func (conn *Connection) SendMany(reqs []redis.Request, cb redis.Future, start uint64) {
	if cb != nil && cb.Cancelled() {
		return
	}
	for _, req := range reqs {
		if err := conn.checkCommand(req); err != nil {
			err = err.WithProperty(redis.EKRequests, reqs)
			for i := range reqs {
				resolve(cb, err, start+uint64(i))
			}
			return
		}
	}
	conn.mutex.Lock()
	if atomic.LoadUint32(&conn.state) != connOpen {
		err := conn.closedErrorLocked()
		conn.mutex.Unlock()
		for i := range reqs {
			resolve(cb, err, start+uint64(i))
		}
		return
	}
	buf := make([]byte, 0, 64*len(reqs))
	var err error
	for _, req := range reqs {
		if buf, err = redis.AppendRequest(buf, req); err != nil {
			break
		}
	}
	if err != nil {
		conn.mutex.Unlock()
		xerr := errorx.Cast(err).WithProperty(redis.EKRequests, reqs)
		for i := range reqs {
			resolve(cb, xerr, start+uint64(i))
		}
		return
	}
	conn.wbuf = append(conn.wbuf, buf...)
	for i := range reqs {
		e := pendEntry{fut: cb, n: start + uint64(i), slot: -1}
		if conn.tx != nil {
			e.tx = conn.tx
			e.slot = conn.tx.add(cb, e.n)
		}
		conn.pending.push(e)
	}
	conn.kick()
	conn.mutex.Unlock()
}

// SendTransaction wraps reqs in MULTI/EXEC and resolves cb with the raw EXEC
// reply: an array of per-command results on success, or an EXEC aborted error
// when the transaction did not run.
func (conn *Connection) SendTransaction(reqs []redis.Request, cb redis.Future, n uint64) {
	if cb != nil && cb.Cancelled() {
		return
	}
	for _, req := range reqs {
		if err := conn.checkCommand(req); err != nil {
			resolve(cb, err.WithProperty(redis.EKRequests, reqs), n)
			return
		}
	}
	conn.mutex.Lock()
	if atomic.LoadUint32(&conn.state) != connOpen {
		err := conn.closedErrorLocked()
		conn.mutex.Unlock()
		resolve(cb, err, n)
		return
	}
	if conn.tx != nil {
		conn.mutex.Unlock()
		resolve(cb, redis.ErrTransactionState.New("transaction already open").
			WithProperty(EKConnection, conn), n)
		return
	}

	buf := make([]byte, 0, 64*(len(reqs)+2))
	buf, _ = redis.AppendRequest(buf, redis.Req("MULTI"))
	var err error
	for _, req := range reqs {
		if buf, err = redis.AppendRequest(buf, req); err != nil {
			break
		}
	}
	if err != nil {
		conn.mutex.Unlock()
		resolve(cb, errorx.Cast(err).WithProperty(redis.EKRequests, reqs), n)
		return
	}
	buf, _ = redis.AppendRequest(buf, redis.Req("EXEC"))

	tx := &txBuffer{}
	conn.wbuf = append(conn.wbuf, buf...)
	conn.pending.push(pendEntry{fut: okFuture{c: conn}, n: 0, slot: -1})
	for i := range reqs {
		slot := tx.add(nopFuture{}, uint64(i))
		conn.pending.push(pendEntry{fut: nil, n: uint64(i), tx: tx, slot: slot})
	}
	conn.pending.push(pendEntry{fut: &execFuture{tx: tx, cb: cb, n: n}, n: n, slot: -1})
	conn.kick()
	conn.mutex.Unlock()
}

// Multi opens a client-buffered transaction on the connection. Commands sent
// afterwards are still written immediately, but their futures stay unresolved
// until Exec or Discard; the server answers each with QUEUED, which the
// reader validates and swallows.
//
// Only one transaction can be open at a time.
func (conn *Connection) Multi() error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if atomic.LoadUint32(&conn.state) != connOpen {
		return conn.closedErrorLocked()
	}
	if atomic.LoadUint32(&conn.mode) == modeSubscribed {
		return redis.ErrSubscribedMode.New("transactions are not allowed while subscribed").
			WithProperty(EKConnection, conn)
	}
	if conn.tx != nil {
		return redis.ErrTransactionState.New("transaction already open").
			WithProperty(EKConnection, conn)
	}
	if err := conn.pushLocked(redis.Req("MULTI"), okFuture{c: conn}, 0); err != nil {
		return err
	}
	conn.tx = &txBuffer{}
	return nil
}

// Exec closes the open transaction and arranges for cb to be resolved with
// the EXEC reply, after every buffered future has been resolved positionally
// from the reply array. When the server aborts the transaction (WATCH failure
// or queue-time errors) the buffered futures and cb all get an EXEC aborted
// error.
func (conn *Connection) Exec(cb redis.Future, n uint64) error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if atomic.LoadUint32(&conn.state) != connOpen {
		return conn.closedErrorLocked()
	}
	if conn.tx == nil {
		return redis.ErrTransactionState.New("no transaction open").
			WithProperty(EKConnection, conn)
	}
	tx := conn.tx
	conn.tx = nil
	if err := conn.pushLocked(redis.Req("EXEC"), &execFuture{tx: tx, cb: cb, n: n}, n); err != nil {
		return err
	}
	return nil
}

// ExecSync is Exec that waits for the reply.
func (conn *Connection) ExecSync() interface{} {
	var res syncExecRes
	res.Add(1)
	if err := conn.Exec(&res, 0); err != nil {
		return err
	}
	res.Wait()
	return res.r
}

// Discard closes the open transaction without running it. Every buffered
// future is resolved with a discarded error.
func (conn *Connection) Discard() error {
	conn.mutex.Lock()
	if atomic.LoadUint32(&conn.state) != connOpen {
		err := conn.closedErrorLocked()
		conn.mutex.Unlock()
		return err
	}
	if conn.tx == nil {
		conn.mutex.Unlock()
		return redis.ErrTransactionState.New("no transaction open").
			WithProperty(EKConnection, conn)
	}
	tx := conn.tx
	conn.tx = nil
	err := conn.pushLocked(redis.Req("DISCARD"), okFuture{c: conn}, 0)
	conn.mutex.Unlock()
	tx.discard()
	if err != nil {
		return err
	}
	return nil
}

// InTransaction reports whether a transaction is currently open.
func (conn *Connection) InTransaction() bool {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.tx != nil
}

// Scanner returns an iterator over keys matching opts.
func (conn *Connection) Scanner(opts redis.ScanOpts) redis.Scanner {
	return &connScanner{
		c:           conn,
		ScannerBase: redis.ScannerBase{ScanOpts: opts},
	}
}

// Ping sends PING and waits for the reply.
func (conn *Connection) Ping() interface{} {
	return redis.Sync{S: conn}.Do("PING")
}

// checkCommand applies the fail-fast command policy.
func (conn *Connection) checkCommand(req redis.Request) *errorx.Error {
	if redis.SubscribeCommand(req.Cmd) {
		return redis.ErrCommandForbidden.New("use Subscribe/Unsubscribe methods instead of %q", req.Cmd).
			WithProperty(EKConnection, conn)
	}
	if redis.TransactionCommand(req.Cmd) {
		return redis.ErrCommandForbidden.New("use Multi/Exec/Discard methods instead of %q", req.Cmd).
			WithProperty(EKConnection, conn)
	}
	if !conn.opts.ScriptMode && redis.Blocking(req.Cmd) {
		return redis.ErrCommandForbidden.New("blocking command %q would stall the pipeline", req.Cmd).
			WithProperty(EKConnection, conn)
	}
	if atomic.LoadUint32(&conn.mode) == modeSubscribed {
		return redis.ErrSubscribedMode.New("only subscription commands are allowed while subscribed").
			WithProperty(EKConnection, conn)
	}
	return nil
}

// pushLocked serializes the request and appends the completion record in the
// same critical section, keeping reply order equal to submission order.
func (conn *Connection) pushLocked(req redis.Request, cb redis.Future, n uint64) *errorx.Error {
	buf, err := redis.AppendRequest(conn.wbuf, req)
	if err != nil {
		return errorx.Cast(err)
	}
	conn.wbuf = buf
	e := pendEntry{fut: cb, n: n, slot: -1}
	if conn.tx != nil {
		e.tx = conn.tx
		e.slot = conn.tx.add(cb, n)
	}
	conn.pending.push(e)
	conn.kick()
	return nil
}

// pushRawLocked queues command bytes with no completion record. Used for
// subscription commands, whose acknowledgement arrives as a push frame.
func (conn *Connection) pushRawLocked(req redis.Request) error {
	buf, err := redis.AppendRequest(conn.wbuf, req)
	if err != nil {
		return err
	}
	conn.wbuf = buf
	conn.kick()
	return nil
}

func (conn *Connection) kick() {
	select {
	case conn.dirty <- struct{}{}:
	default:
	}
}

func (conn *Connection) closedErrorLocked() *errorx.Error {
	if conn.closeErr != nil {
		return redis.ErrNotConnected.WrapWithNoMessage(conn.closeErr).
			WithProperty(EKConnection, conn)
	}
	return redis.ErrContextClosed.New("connection is closing").
		WithProperty(EKConnection, conn)
}

// resolve reports an errorx error as the result, mirroring how replies are
// returned: errors are values.
func resolve(cb redis.Future, err *errorx.Error, n uint64) {
	if cb != nil && !cb.Cancelled() {
		cb.Resolve(err, n)
	}
}

// control waits for the connection context and triggers shutdown.
func (conn *Connection) control() {
	<-conn.ctx.Done()
	conn.shutdown(redis.ErrContextClosed.WrapWithNoMessage(conn.ctx.Err()).
		WithProperty(EKConnection, conn))
}

// writer streams the shared write buffer to the transport. It swaps the
// buffer out under the lock and writes without it, so senders are never
// blocked on the network.
func (conn *Connection) writer() {
	var buf []byte
	w := bufio.NewWriterSize(&deadlineIO{conn: conn}, 64*1024)
	for {
		select {
		case <-conn.dirty:
		case <-conn.ctx.Done():
			return
		}
		for {
			conn.mutex.Lock()
			buf, conn.wbuf = conn.wbuf, buf[:0]
			conn.mutex.Unlock()
			if len(buf) == 0 {
				break
			}
			if _, err := w.Write(buf); err != nil {
				conn.shutdown(redis.ErrIO.WrapWithNoMessage(err).
					WithProperty(EKConnection, conn))
				return
			}
		}
		if err := w.Flush(); err != nil {
			conn.shutdown(redis.ErrIO.WrapWithNoMessage(err).
				WithProperty(EKConnection, conn))
			return
		}
	}
}

// reader demultiplexes the reply stream: push frames go to the pub/sub
// router, everything else resolves the head of the pending queue.
func (conn *Connection) reader() {
	r := bufio.NewReaderSize(&deadlineIO{conn: conn}, 64*1024)
	for {
		res := redis.ReadResponse(r)
		if rerr := redis.AsErrorx(res); rerr != nil && redis.HardError(rerr) {
			if atomic.LoadUint32(&conn.state) != connClosed {
				conn.shutdown(withNewProperty(rerr, EKConnection, conn))
			}
			return
		}
		if conn.subs.engagedNow() {
			if arr, ok := res.([]interface{}); ok {
				if kind, ok := redis.PushKind(arr); ok {
					conn.subs.dispatchPush(conn, kind, arr)
					continue
				}
			}
		}
		e, ok := conn.pending.pop()
		if !ok {
			conn.shutdown(redis.ErrResponseUnexpected.New("response with no request in flight").
				WithProperty(redis.EKResponse, res).
				WithProperty(EKConnection, conn))
			return
		}
		if err := e.resolveReply(res); err != nil {
			conn.shutdown(withNewProperty(err, EKConnection, conn))
			return
		}
	}
}

// shutdown tears the connection down exactly once: fails the pending queue
// in order, aborts an open transaction, closes subscribed channels.
func (conn *Connection) shutdown(err *errorx.Error) {
	conn.closeOnce.Do(func() {
		atomic.StoreUint32(&conn.state, connClosed)
		conn.cancel()

		conn.mutex.Lock()
		conn.closeErr = err
		tx := conn.tx
		conn.tx = nil
		conn.wbuf = nil
		conn.mutex.Unlock()

		if conn.c != nil {
			conn.c.Close()
		}

		for {
			e, ok := conn.pending.pop()
			if !ok {
				break
			}
			e.fail(err)
		}
		if tx != nil {
			tx.fail(err)
		}
		conn.subs.teardown(conn, err)

		if err.IsOfType(redis.ErrContextClosed) {
			conn.report(LogContextClosed)
		} else {
			conn.report(LogDisconnected, err, conn.addr)
		}
	})
}

func (conn *Connection) report(event LogKind, v ...interface{}) {
	conn.opts.Logger.Report(event, conn, v...)
}

var _ redis.Sender = (*Connection)(nil)

// okFuture consumes the +OK acknowledgments of MULTI and DISCARD. Client-side
// state checks keep the server from refusing them, so anything but +OK means
// client and server disagree about transaction state and the connection is
// poisoned rather than left silently desynchronized.
type okFuture struct {
	c *Connection
}

func (okFuture) Cancelled() bool { return false }

func (f okFuture) Resolve(res interface{}, _ uint64) {
	if s, ok := res.(string); ok && s == "OK" {
		return
	}
	var err *errorx.Error
	if rerr := redis.AsErrorx(res); rerr != nil {
		err = redis.ErrResponseUnexpected.WrapWithNoMessage(rerr)
	} else {
		err = redis.ErrResponseUnexpected.New("expected +OK acknowledgment").
			WithProperty(redis.EKResponse, res)
	}
	f.c.shutdown(withNewProperty(err, EKConnection, f.c))
}

// nopFuture fills transaction slots in SendTransaction, where the caller
// observes results only through the EXEC reply array.
type nopFuture struct{}

func (nopFuture) Cancelled() bool             { return false }
func (nopFuture) Resolve(interface{}, uint64) {}

// syncExecRes collects the ExecSync reply.
type syncExecRes struct {
	sync.WaitGroup
	r interface{}
}

func (res *syncExecRes) Cancelled() bool { return false }

func (res *syncExecRes) Resolve(r interface{}, _ uint64) {
	res.r = r
	res.Done()
}

// deadlineIO arms the transport deadline per operation, but only while a
// reply is actually owed or the connection is not fully open. An idle
// subscribed connection may legitimately stay silent far longer than
// IOTimeout, so reads are unbounded then.
type deadlineIO struct {
	conn *Connection
}

func (d *deadlineIO) armed() bool {
	return d.conn.pending.size() > 0 || atomic.LoadUint32(&d.conn.state) != connOpen
}

func (d *deadlineIO) Write(b []byte) (int, error) {
	if t := d.conn.opts.IOTimeout; t > 0 {
		d.conn.c.SetWriteDeadline(time.Now().Add(t))
	}
	return d.conn.c.Write(b)
}

func (d *deadlineIO) Read(b []byte) (int, error) {
	if t := d.conn.opts.IOTimeout; t > 0 && d.armed() {
		d.conn.c.SetReadDeadline(time.Now().Add(t))
	} else {
		d.conn.c.SetReadDeadline(time.Time{})
	}
	return d.conn.c.Read(b)
}
