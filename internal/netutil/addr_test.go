package netutil_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/demikernel-go/epollshim/internal/netutil"
)

func TestValidateIPv4TCP(t *testing.T) {
	assert.NoError(t, netutil.ValidateIPv4TCP(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 80}))
	assert.NoError(t, netutil.ValidateIPv4TCP(&net.TCPAddr{Port: 80}))
	assert.Error(t, netutil.ValidateIPv4TCP(nil))

	ip6 := net.ParseIP("::1")
	assert.ErrorIs(t, netutil.ValidateIPv4TCP(&net.TCPAddr{IP: ip6, Port: 80}), netutil.ErrUnsupportedFamily)
}

func TestIsWildcard(t *testing.T) {
	assert.True(t, netutil.IsWildcard(nil))
	assert.True(t, netutil.IsWildcard(&net.TCPAddr{}))
	assert.True(t, netutil.IsWildcard(&net.TCPAddr{IP: net.IPv4zero, Port: 80}))
	assert.False(t, netutil.IsWildcard(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 80}))
}
