// Package netutil provides small networking helpers shared by the
// transport and native-poller packages: IPv4 address validation and raw
// file-descriptor extraction from the standard library's net types.
package netutil

import (
	"errors"
	"fmt"
	"net"
)

// ErrUnsupportedFamily is returned when an address is not IPv4. Supporting
// address families beyond IPv4/TCP is an explicit non-goal of this shim.
var ErrUnsupportedFamily = errors.New("netutil: only IPv4/TCP is supported")

// ValidateIPv4TCP checks that addr is a usable IPv4 TCP address, or the
// IPv4 wildcard (0.0.0.0), which bind() is required to flag per spec but
// still forward to the transport.
func ValidateIPv4TCP(addr *net.TCPAddr) error {
	if addr == nil {
		return fmt.Errorf("netutil: nil address")
	}
	if addr.IP != nil && addr.IP.To4() == nil {
		return ErrUnsupportedFamily
	}
	return nil
}

// IsWildcard reports whether addr's IP is the IPv4 wildcard (0.0.0.0) or
// unset, which binds to all local interfaces.
func IsWildcard(addr *net.TCPAddr) bool {
	return addr == nil || addr.IP == nil || addr.IP.IsUnspecified()
}
