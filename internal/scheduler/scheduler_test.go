package scheduler_test

import (
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/demikernel-go/epollshim/internal/epollreg"
	"github.com/demikernel-go/epollshim/internal/scheduler"
	"github.com/demikernel-go/epollshim/internal/socket"
	"github.com/demikernel-go/epollshim/internal/transport"
)

// fakeTransport mirrors internal/socket's test double: Accept/Push/Pop
// always succeed in submitting and mint a fresh token; nothing resolves it
// until the test stores a Result under that token's ID directly.
type fakeTransport struct {
	mu      sync.Mutex
	nextQD  transport.QD
	nextTok uint64
	results map[uint64]transport.Result
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{results: make(map[uint64]transport.Result)}
}

func (f *fakeTransport) Socket(domain, typ, proto int) (transport.QD, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextQD++
	return f.nextQD, nil
}
func (f *fakeTransport) Bind(qd transport.QD, addr *net.TCPAddr) error { return nil }
func (f *fakeTransport) Listen(qd transport.QD, backlog int) error    { return nil }
func (f *fakeTransport) Close(qd transport.QD) error                  { return nil }
func (f *fakeTransport) LocalAddr(qd transport.QD) (*net.TCPAddr, error) {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}, nil
}

func (f *fakeTransport) Accept(qd transport.QD) (transport.Token, error) { return f.newToken(), nil }
func (f *fakeTransport) Push(qd transport.QD, sga *transport.SGA) (transport.Token, error) {
	return f.newToken(), nil
}
func (f *fakeTransport) Pop(qd transport.QD) (transport.Token, error) { return f.newToken(), nil }

func (f *fakeTransport) newToken() transport.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTok++
	return transport.Token{ID: f.nextTok}
}

func (f *fakeTransport) WaitAny(tokens []transport.Token, timeout *time.Duration) (transport.Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, tok := range tokens {
		if res, ok := f.results[tok.ID]; ok {
			delete(f.results, tok.ID)
			return res, i, nil
		}
	}
	return transport.Result{}, -1, transport.ErrTimedOut
}

func (f *fakeTransport) SGAAlloc(size int) *transport.SGA {
	return &transport.SGA{Segments: [][]byte{make([]byte, size)}}
}
func (f *fakeTransport) SGAFree(sga *transport.SGA) { sga.Segments = nil }

func TestTimeoutFidelityNoSubscriptions(t *testing.T) {
	in, err := epollreg.Create()
	require.NoError(t, err)
	defer in.Close()

	sched := scheduler.New(newFakeTransport())
	out := make([]epollreg.Event, 4)

	start := time.Now()
	n, err := sched.PWait(in, out, 50)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestMixedNativeAndAccelerated(t *testing.T) {
	ft := newFakeTransport()
	tbl := socket.NewTable(ft)
	in, err := epollreg.Create()
	require.NoError(t, err)
	defer in.Close()

	// Build a real Connected socket through Listen/Accept rather than
	// poking unexported state: submit an accept, arm its token, then
	// collect it.
	listenIdx, err := tbl.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, tbl.Listen(listenIdx, 16))
	_, _, err = tbl.Accept(listenIdx)
	require.ErrorIs(t, err, syscall.EWOULDBLOCK)
	ft.results[ft.nextTok] = transport.Result{
		Opcode: transport.OpAccept,
		Accept: transport.AcceptResult{QD: 99, Peer: &net.TCPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 5}},
	}
	connIdx, _, err := tbl.Accept(listenIdx)
	require.NoError(t, err)
	connSock := tbl.Get(connIdx)

	// Submit (but do not resolve) a recv on the new connection: it stays
	// InFlight through this pwait call, so only the native fd should come
	// back ready.
	_, err = tbl.Read(connIdx, make([]byte, 1))
	require.ErrorIs(t, err, syscall.EWOULDBLOCK)

	require.NoError(t, in.AddSocket(connSock, epollreg.Read, 111))

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	require.NoError(t, in.AddNative(int(r.Fd()), epollreg.Read, 222))
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	sched := scheduler.New(ft)
	out := make([]epollreg.Event, 4)
	n, err := sched.PWait(in, out, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(222), out[0].UserData)
}

func TestUnsupportedEventRejectedBeforeMutation(t *testing.T) {
	in, err := epollreg.Create()
	require.NoError(t, err)
	defer in.Close()

	err = in.AddNative(0, epollreg.Read|unix.EPOLLERR, 1)
	require.ErrorIs(t, err, syscall.EINVAL)
	require.Empty(t, in.Items())
}
