package epollreg

import (
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/demikernel-go/epollshim/internal/socket"
	"github.com/demikernel-go/epollshim/internal/transport"
)

func TestEventMaskRestriction(t *testing.T) {
	in, err := Create()
	require.NoError(t, err)
	defer in.Close()

	err = in.AddNative(0, Read|Write|0x8, 1)
	require.ErrorIs(t, err, syscall.EINVAL)
	require.Empty(t, in.Items())
}

func TestDuplicateAddRejected(t *testing.T) {
	in, err := Create()
	require.NoError(t, err)
	defer in.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := int(r.Fd())

	require.NoError(t, in.AddNative(fd, Read, 42))
	err = in.AddNative(fd, Read, 99)
	require.ErrorIs(t, err, syscall.EEXIST)
}

func TestReadyListUniqueness(t *testing.T) {
	in, err := Create()
	require.NoError(t, err)
	defer in.Close()

	item := &Item{Key: 1, Mask: Read, UserData: 7}
	in.MarkReady(item)
	in.MarkReady(item)
	require.Equal(t, 1, in.ReadyLen())
}

func TestDuplicateSocketAddRejected(t *testing.T) {
	in, err := Create()
	require.NoError(t, err)
	defer in.Close()

	sock := &socket.Socket{TransportQD: transport.QD(1), Open: true}
	require.NoError(t, in.AddSocket(sock, Read, 1))
	err = in.AddSocket(sock, Read, 2)
	require.ErrorIs(t, err, syscall.EEXIST)
	require.Len(t, in.Items(), 1)
	require.Equal(t, uint64(1), in.Items()[0].UserData)
}

func TestModUnknownKeyReturnsENOENT(t *testing.T) {
	in, err := Create()
	require.NoError(t, err)
	defer in.Close()

	sock := &socket.Socket{TransportQD: transport.QD(5), Open: true}
	err = in.ModSocket(sock, Read, 1)
	require.ErrorIs(t, err, syscall.ENOENT)
}

func TestDrainIdempotence(t *testing.T) {
	in, err := Create()
	require.NoError(t, err)
	defer in.Close()

	item := &Item{Key: 1, Mask: Read, UserData: 7}
	in.MarkReady(item)

	events := in.DrainReady(10)
	require.Len(t, events, 1)

	again := in.DrainReady(10)
	require.Empty(t, again)
	require.Equal(t, 0, in.ReadyLen())
}
