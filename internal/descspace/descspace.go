// Package descspace partitions the signed-integer descriptor space into
// native, epoll, and accelerated-socket ranges so that a single returned
// descriptor unambiguously routes to one backend.
package descspace

import "fmt"

// EpollBase and SocketBase are the partition thresholds. Descriptors below
// EpollBase belong to the host kernel; descriptors in [EpollBase,
// SocketBase) are epoll instances; descriptors >= SocketBase are
// accelerated sockets. They are process-wide constants and never change
// at runtime.
const (
	EpollBase  = 1 << 20
	SocketBase = 1 << 21
)

// Kind identifies which backend a descriptor routes to.
type Kind int

// Kinds of descriptor.
const (
	Native Kind = iota
	Epoll
	Socket
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Native:
		return "Native"
	case Epoll:
		return "Epoll"
	case Socket:
		return "Socket"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Classified is the result of classifying a descriptor: its Kind and,
// for Epoll/Socket, the slot index into the corresponding arena.
type Classified struct {
	Kind Kind
	Slot int
}

// Classify routes a descriptor to its backend. A negative descriptor is
// always Native, so host errno propagation (-1 return values) never gets
// reinterpreted as an accelerated slot.
func Classify(d int) Classified {
	switch {
	case d < EpollBase:
		return Classified{Kind: Native, Slot: d}
	case d < SocketBase:
		return Classified{Kind: Epoll, Slot: d - EpollBase}
	default:
		return Classified{Kind: Socket, Slot: d - SocketBase}
	}
}

// MakeEpoll composes the public descriptor for an epoll-instance slot.
func MakeEpoll(slot int) int {
	return EpollBase + slot
}

// MakeSocket composes the public descriptor for an accelerated-socket slot.
func MakeSocket(slot int) int {
	return SocketBase + slot
}
