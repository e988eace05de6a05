package transport_test

import (
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/demikernel-go/epollshim/internal/transport"
)

func TestOSTransportAcceptPushPopRoundTrip(t *testing.T) {
	tr, err := transport.NewOSTransport(0, false)
	require.NoError(t, err)

	listenQD, err := tr.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, tr.Bind(listenQD, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}))
	require.NoError(t, tr.Listen(listenQD, 16))

	laddr, err := tr.LocalAddr(listenQD)
	require.NoError(t, err)

	acceptTok, err := tr.Accept(listenQD)
	require.NoError(t, err)

	client, err := net.DialTCP("tcp4", nil, laddr)
	require.NoError(t, err)
	defer client.Close()

	timeout := 2 * time.Second
	res, _, err := tr.WaitAny([]transport.Token{acceptTok}, &timeout)
	require.NoError(t, err)
	require.Equal(t, transport.OpAccept, res.Opcode)
	connQD := res.Accept.QD

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	popTok, err := tr.Pop(connQD)
	require.NoError(t, err)
	res, _, err = tr.WaitAny([]transport.Token{popTok}, &timeout)
	require.NoError(t, err)
	require.Equal(t, transport.OpPop, res.Opcode)
	require.Equal(t, "hello", string(res.SGA.Segments[0]))

	sga := tr.SGAAlloc(5)
	copy(sga.Segments[0], "world")
	pushTok, err := tr.Push(connQD, sga)
	require.NoError(t, err)
	res, _, err = tr.WaitAny([]transport.Token{pushTok}, &timeout)
	require.NoError(t, err)
	require.Equal(t, transport.OpPush, res.Opcode)

	echoed := make([]byte, 5)
	_, err = client.Read(echoed)
	require.NoError(t, err)
	require.Equal(t, "world", string(echoed))

	require.NoError(t, tr.Close(connQD))
	require.NoError(t, tr.Close(listenQD))
}

func TestSGAAllocFree(t *testing.T) {
	tr, err := transport.NewOSTransport(0, false)
	require.NoError(t, err)
	sga := tr.SGAAlloc(128)
	require.Equal(t, 128, sga.Len())
	tr.SGAFree(sga)
	require.Nil(t, sga.Segments)
}

func TestOSTransportClosesQDOnTaskErrorByDefault(t *testing.T) {
	tr, err := transport.NewOSTransport(0, false)
	require.NoError(t, err)

	listenQD, err := tr.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, tr.Bind(listenQD, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}))
	require.NoError(t, tr.Listen(listenQD, 16))
	laddr, err := tr.LocalAddr(listenQD)
	require.NoError(t, err)

	acceptTok, err := tr.Accept(listenQD)
	require.NoError(t, err)
	client, err := net.DialTCP("tcp4", nil, laddr)
	require.NoError(t, err)

	timeout := 2 * time.Second
	res, _, err := tr.WaitAny([]transport.Token{acceptTok}, &timeout)
	require.NoError(t, err)
	connQD := res.Accept.QD

	client.Close()
	popTok, err := tr.Pop(connQD)
	require.NoError(t, err)
	res, _, err = tr.WaitAny([]transport.Token{popTok}, &timeout)
	require.NoError(t, err)
	require.Equal(t, transport.OpFailed, res.Opcode)

	require.ErrorIs(t, tr.Close(connQD), syscall.EBADF)
	require.NoError(t, tr.Close(listenQD))
}

func TestOSTransportKeepsQDOpenWithIgnoreTaskError(t *testing.T) {
	tr, err := transport.NewOSTransportWithOptions(0, false, 0, true)
	require.NoError(t, err)

	listenQD, err := tr.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, tr.Bind(listenQD, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}))
	require.NoError(t, tr.Listen(listenQD, 16))
	laddr, err := tr.LocalAddr(listenQD)
	require.NoError(t, err)

	acceptTok, err := tr.Accept(listenQD)
	require.NoError(t, err)
	client, err := net.DialTCP("tcp4", nil, laddr)
	require.NoError(t, err)

	timeout := 2 * time.Second
	res, _, err := tr.WaitAny([]transport.Token{acceptTok}, &timeout)
	require.NoError(t, err)
	connQD := res.Accept.QD

	client.Close()
	popTok, err := tr.Pop(connQD)
	require.NoError(t, err)
	res, _, err = tr.WaitAny([]transport.Token{popTok}, &timeout)
	require.NoError(t, err)
	require.Equal(t, transport.OpFailed, res.Opcode)

	require.NoError(t, tr.Close(connQD))
	require.NoError(t, tr.Close(listenQD))
}

func TestWaitAnyNoTokensPolls(t *testing.T) {
	tr, err := transport.NewOSTransport(0, false)
	require.NoError(t, err)
	zero := time.Duration(0)
	_, _, err = tr.WaitAny(nil, &zero)
	require.ErrorIs(t, err, transport.ErrTimedOut)
}
