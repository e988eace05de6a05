package transport

import (
	"fmt"
	"net"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/kavu/go_reuseport"
	"github.com/panjf2000/ants/v2"

	"github.com/demikernel-go/epollshim/internal/mcache"
	"github.com/demikernel-go/epollshim/internal/netutil"
	"github.com/demikernel-go/epollshim/log"
)

// OSTransport is a reference implementation of Transport over real IPv4
// TCP sockets. Every accept/push/pop is submitted to a bounded goroutine
// pool (grounded on the teacher's sysPool in taskpool.go) so that, like
// the kernel-bypass transport this shim is meant to adapt, each call
// returns a Token immediately rather than blocking the caller.
type OSTransport struct {
	pool            *ants.PoolWithFunc
	reusePort       bool
	keepAliveSecs   int
	ignoreTaskError bool

	mu      sync.Mutex
	qds     map[QD]*osSocket
	nextQD  QD
	tokenID uint64
}

type osSocket struct {
	domain, typ, proto int
	listener           *net.TCPListener
	conn               *net.TCPConn
	laddr              *net.TCPAddr
	backlog            int
}

// taskKind distinguishes what an ants pool worker should do with a taskArgs.
type taskKind int

const (
	taskAccept taskKind = iota
	taskPush
	taskPop
)

type taskArgs struct {
	kind  taskKind
	qd    QD
	sga   *SGA
	token Token
}

// NewOSTransport creates an OSTransport. poolSize <= 0 means unbounded
// (ants' convention, mirroring taskpool.go's maxRoutines = 0).
func NewOSTransport(poolSize int, reusePort bool) (*OSTransport, error) {
	return NewOSTransportWithKeepAlive(poolSize, reusePort, 0)
}

// NewOSTransportWithKeepAlive is NewOSTransport plus a TCP keep-alive
// interval applied to every accepted connection via
// internal/netutil.SetKeepAlive, grounded on tcpconn.go's keep-alive
// handling. keepAliveSecs <= 0 disables it.
func NewOSTransportWithKeepAlive(poolSize int, reusePort bool, keepAliveSecs int) (*OSTransport, error) {
	return NewOSTransportWithOptions(poolSize, reusePort, keepAliveSecs, false)
}

// NewOSTransportWithOptions is NewOSTransportWithKeepAlive plus
// ignoreTaskError, mirroring poller.WithIgnoreTaskError: when true, a
// failed accept/push/pop only reports OpFailed on the affected token and
// leaves the underlying listener/conn open for the caller to retry; when
// false (the default), the task pool closes it so a wedged socket cannot
// keep failing silently.
func NewOSTransportWithOptions(poolSize int, reusePort bool, keepAliveSecs int, ignoreTaskError bool) (*OSTransport, error) {
	t := &OSTransport{
		qds:             make(map[QD]*osSocket),
		reusePort:       reusePort,
		keepAliveSecs:   keepAliveSecs,
		ignoreTaskError: ignoreTaskError,
	}
	pool, err := ants.NewPoolWithFunc(poolSize, t.runTask)
	if err != nil {
		return nil, err
	}
	t.pool = pool
	return t, nil
}

func (t *OSTransport) runTask(v any) {
	args, ok := v.(*taskArgs)
	if !ok {
		return
	}
	switch args.kind {
	case taskAccept:
		t.doAccept(args)
	case taskPush:
		t.doPush(args)
	case taskPop:
		t.doPop(args)
	}
}

// Socket implements Transport.
func (t *OSTransport) Socket(domain, typ, proto int) (QD, error) {
	if domain != syscall.AF_INET || typ != syscall.SOCK_STREAM {
		return 0, fmt.Errorf("transport: only AF_INET/SOCK_STREAM is supported: %w", syscall.ENOTSUP)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextQD++
	qd := t.nextQD
	t.qds[qd] = &osSocket{domain: domain, typ: typ, proto: proto}
	return qd, nil
}

// Bind implements Transport.
func (t *OSTransport) Bind(qd QD, addr *net.TCPAddr) error {
	if err := netutil.ValidateIPv4TCP(addr); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	sock, ok := t.qds[qd]
	if !ok {
		return syscall.EBADF
	}
	if netutil.IsWildcard(addr) {
		log.Debugf("transport: bind to wildcard address %s", addr)
	}
	sock.laddr = addr
	return nil
}

// Listen implements Transport.
func (t *OSTransport) Listen(qd QD, backlog int) error {
	t.mu.Lock()
	sock, ok := t.qds[qd]
	if !ok {
		t.mu.Unlock()
		return syscall.EBADF
	}
	laddr := sock.laddr
	t.mu.Unlock()

	addr := "0.0.0.0:0"
	if laddr != nil {
		addr = laddr.String()
	}
	var l net.Listener
	var err error
	if t.reusePort {
		l, err = go_reuseport.Listen("tcp4", addr)
	} else {
		l, err = net.Listen("tcp4", addr)
	}
	if err != nil {
		return err
	}
	tcpL, ok := l.(*net.TCPListener)
	if !ok {
		l.Close()
		return fmt.Errorf("transport: unexpected listener type %T", l)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	sock.listener = tcpL
	sock.backlog = backlog
	return nil
}

// LocalAddr returns the real bound address of a listening qd. It exists
// for tests and for the shim's getsockname path, which otherwise has no
// way to learn the OS-assigned ephemeral port after Listen(..., 0).
func (t *OSTransport) LocalAddr(qd QD) (*net.TCPAddr, error) {
	t.mu.Lock()
	sock, ok := t.qds[qd]
	t.mu.Unlock()
	if !ok || sock.listener == nil {
		return nil, syscall.EBADF
	}
	addr, ok := sock.listener.Addr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("transport: unexpected listener address type")
	}
	return addr, nil
}

// Accept implements Transport.
func (t *OSTransport) Accept(qd QD) (Token, error) {
	t.mu.Lock()
	sock, ok := t.qds[qd]
	t.mu.Unlock()
	if !ok || sock.listener == nil {
		return Token{}, syscall.EBADF
	}
	tok := t.newToken()
	if err := t.pool.Invoke(&taskArgs{kind: taskAccept, qd: qd, token: tok}); err != nil {
		return Token{}, err
	}
	return tok, nil
}

func (t *OSTransport) doAccept(args *taskArgs) {
	t.mu.Lock()
	sock, ok := t.qds[args.qd]
	t.mu.Unlock()
	if !ok || sock.listener == nil {
		t.resolve(args.token, Result{Opcode: OpFailed, QD: args.qd, RetErr: syscall.EBADF})
		return
	}
	conn, err := sock.listener.AcceptTCP()
	if err != nil {
		if !t.ignoreTaskError {
			t.Close(args.qd)
		}
		t.resolve(args.token, Result{Opcode: OpFailed, QD: args.qd, RetErr: err})
		return
	}
	if t.keepAliveSecs > 0 {
		if fd, ferr := netutil.GetFD(conn); ferr == nil {
			if kerr := netutil.SetKeepAlive(fd, t.keepAliveSecs); kerr != nil {
				log.Debugf("transport: set keepalive on qd %v failed: %v", args.qd, kerr)
			}
		}
	}

	t.mu.Lock()
	t.nextQD++
	newQD := t.nextQD
	t.qds[newQD] = &osSocket{domain: sock.domain, typ: sock.typ, proto: sock.proto, conn: conn}
	t.mu.Unlock()

	peer, _ := conn.RemoteAddr().(*net.TCPAddr)
	t.resolve(args.token, Result{
		Opcode: OpAccept,
		QD:     args.qd,
		Accept: AcceptResult{QD: newQD, Peer: peer},
	})
}

// Push implements Transport.
func (t *OSTransport) Push(qd QD, sga *SGA) (Token, error) {
	t.mu.Lock()
	sock, ok := t.qds[qd]
	t.mu.Unlock()
	if !ok || sock.conn == nil {
		return Token{}, syscall.EBADF
	}
	tok := t.newToken()
	if err := t.pool.Invoke(&taskArgs{kind: taskPush, qd: qd, sga: sga, token: tok}); err != nil {
		return Token{}, err
	}
	return tok, nil
}

func (t *OSTransport) doPush(args *taskArgs) {
	t.mu.Lock()
	sock, ok := t.qds[args.qd]
	t.mu.Unlock()
	if !ok || sock.conn == nil {
		t.resolve(args.token, Result{Opcode: OpFailed, QD: args.qd, RetErr: syscall.EBADF})
		return
	}
	var written int
	var err error
	for _, seg := range args.sga.Segments {
		var n int
		n, err = sock.conn.Write(seg)
		written += n
		if err != nil {
			break
		}
	}
	if err != nil {
		if !t.ignoreTaskError {
			t.Close(args.qd)
		}
		t.resolve(args.token, Result{Opcode: OpFailed, QD: args.qd, RetErr: err})
		return
	}
	t.resolve(args.token, Result{Opcode: OpPush, QD: args.qd, SGA: args.sga})
}

// Pop implements Transport.
func (t *OSTransport) Pop(qd QD) (Token, error) {
	t.mu.Lock()
	sock, ok := t.qds[qd]
	t.mu.Unlock()
	if !ok || sock.conn == nil {
		return Token{}, syscall.EBADF
	}
	tok := t.newToken()
	if err := t.pool.Invoke(&taskArgs{kind: taskPop, qd: qd, token: tok}); err != nil {
		return Token{}, err
	}
	return tok, nil
}

const popBufferSize = 64 * 1024

func (t *OSTransport) doPop(args *taskArgs) {
	t.mu.Lock()
	sock, ok := t.qds[args.qd]
	t.mu.Unlock()
	if !ok || sock.conn == nil {
		t.resolve(args.token, Result{Opcode: OpFailed, QD: args.qd, RetErr: syscall.EBADF})
		return
	}
	buf := mcache.Malloc(popBufferSize)
	n, err := sock.conn.Read(buf)
	if err != nil && n == 0 {
		mcache.Free(buf)
		if !t.ignoreTaskError {
			t.Close(args.qd)
		}
		t.resolve(args.token, Result{Opcode: OpFailed, QD: args.qd, RetErr: err})
		return
	}
	sga := &SGA{Segments: [][]byte{buf[:n]}}
	t.resolve(args.token, Result{Opcode: OpPop, QD: args.qd, SGA: sga})
}

// Close implements Transport.
func (t *OSTransport) Close(qd QD) error {
	t.mu.Lock()
	sock, ok := t.qds[qd]
	if ok {
		delete(t.qds, qd)
	}
	t.mu.Unlock()
	if !ok {
		return syscall.EBADF
	}
	var err error
	if sock.conn != nil {
		err = sock.conn.Close()
	}
	if sock.listener != nil {
		if lerr := sock.listener.Close(); err == nil {
			err = lerr
		}
	}
	return err
}

// WaitAny implements Transport using reflect.Select to fan in a dynamic
// number of per-token completion channels plus an optional timeout timer.
// This is the one place in this module that reaches for the standard
// library over a third-party primitive: no fan-in utility in the
// retrieved pack supports a variable-width select built at call time.
func (t *OSTransport) WaitAny(tokens []Token, timeout *time.Duration) (Result, int, error) {
	if len(tokens) == 0 {
		if timeout == nil {
			return Result{}, -1, fmt.Errorf("transport: wait_any with no tokens and no timeout would block forever")
		}
		time.Sleep(*timeout)
		return Result{}, -1, ErrTimedOut
	}
	cases := make([]reflect.SelectCase, 0, len(tokens)+1)
	for i := range tokens {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(tokens[i].Done),
		})
	}
	var timer *time.Timer
	if timeout != nil {
		timer = time.NewTimer(*timeout)
		defer timer.Stop()
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(timer.C),
		})
	}

	chosen, recv, _ := reflect.Select(cases)
	if timeout != nil && chosen == len(tokens) {
		return Result{}, -1, ErrTimedOut
	}
	res := recv.Interface().(Result)
	return res, chosen, nil
}

// SGAAlloc implements Transport.
func (t *OSTransport) SGAAlloc(size int) *SGA {
	return &SGA{Segments: [][]byte{mcache.Malloc(size)}}
}

// SGAFree implements Transport.
func (t *OSTransport) SGAFree(sga *SGA) {
	if sga == nil {
		return
	}
	for _, seg := range sga.Segments {
		mcache.Free(seg)
	}
	sga.Segments = nil
}

func (t *OSTransport) newToken() Token {
	t.mu.Lock()
	t.tokenID++
	id := t.tokenID
	t.mu.Unlock()
	return Token{ID: id, Done: make(chan Result, 1)}
}

func (t *OSTransport) resolve(tok Token, res Result) {
	tok.Done <- res
}
