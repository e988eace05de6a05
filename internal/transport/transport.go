// Package transport defines the async-transport collaborator that the
// epoll shim adapts: an opaque, completion-token-based networking layer
// exposing socket/accept/push/pop as immediately-returned tokens and a
// single wait_any primitive to multiplex them. The transport itself
// (kernel-bypass catnip/catnap style networking) is out of this module's
// scope; only the interface is consumed by internal/socket and
// internal/scheduler. OSTransport in ostransport.go is a reference
// implementation over real TCP sockets, used so the shim is exercisable
// and testable end to end.
package transport

import (
	"net"
	"time"
)

// QD is the transport's opaque identifier for a socket ("queue descriptor"
// in the vocabulary of the systems this shim adapts).
type QD uint32

// Opcode identifies which operation a completion token resolves.
type Opcode int

// Recognized opcodes.
const (
	OpInvalid Opcode = iota
	OpPush
	OpPop
	OpAccept
	OpFailed
)

// String implements fmt.Stringer.
func (o Opcode) String() string {
	switch o {
	case OpPush:
		return "PUSH"
	case OpPop:
		return "POP"
	case OpAccept:
		return "ACCEPT"
	case OpFailed:
		return "FAILED"
	default:
		return "INVALID"
	}
}

// SGA is a scatter-gather array: a vector of byte-slice segments owned by
// the transport's allocator, exactly as spec.md §3/§9 describes. Segments
// are allocated by SGAAlloc and must be released with SGAFree by whichever
// side (recv-drain or push-completion) last references them, never both,
// never neither.
type SGA struct {
	Segments [][]byte
}

// Len returns the total byte length across all segments.
func (s *SGA) Len() int {
	n := 0
	for _, seg := range s.Segments {
		n += len(seg)
	}
	return n
}

// AcceptResult carries the outcome of a completed accept: the new
// connection's queue descriptor and its peer address.
type AcceptResult struct {
	QD   QD
	Peer *net.TCPAddr
}

// Result is the payload a completion token resolves to.
type Result struct {
	Opcode Opcode
	QD     QD
	RetErr error // non-nil iff Opcode == OpFailed

	SGA    *SGA // valid for OpPop and, transiently, OpPush acks describing bytes accepted
	Accept AcceptResult
}

// Token is an opaque handle to one in-flight operation, valued only for
// matching a WaitAny result back to the slot that submitted it. The
// authoritative copy of completion state lives in the socket's slot;
// discarding a Token (e.g. because the batch that held it was freed) never
// invalidates the underlying operation. Fields are exported so alternate
// Transport implementations (including test doubles) can construct and
// correlate their own tokens; callers outside a Transport implementation
// should treat a Token as opaque and only ever pass it back to WaitAny.
type Token struct {
	ID   uint64
	Done chan Result
}

// Transport is the async transport's consumed interface (spec.md §6).
// Every method that models a transport operation returning a token is
// non-blocking: it submits work and returns immediately.
type Transport interface {
	// Socket creates a transport-level socket for the given domain/type,
	// returning its queue descriptor.
	Socket(domain, typ, proto int) (QD, error)

	// Bind associates a local address with qd.
	Bind(qd QD, addr *net.TCPAddr) error

	// Listen marks qd as listening with the given backlog.
	Listen(qd QD, backlog int) error

	// LocalAddr returns the real bound address of qd, including any
	// OS-assigned ephemeral port resolved during Listen. Used by the
	// shim's getsockname path, since Bind alone cannot know a ":0" port
	// until the listener actually exists.
	LocalAddr(qd QD) (*net.TCPAddr, error)

	// Accept submits an asynchronous accept on a listening qd.
	Accept(qd QD) (Token, error)

	// Push submits an asynchronous send of sga's bytes on qd.
	Push(qd QD, sga *SGA) (Token, error)

	// Pop submits an asynchronous receive on qd.
	Pop(qd QD) (Token, error)

	// Close closes qd at the transport level. Any in-flight token for qd
	// must have already been reaped by the caller (internal/socket does
	// this synchronously before calling Close, per spec.md §4.3/§5).
	Close(qd QD) error

	// WaitAny blocks until any one of tokens resolves or timeout elapses.
	// timeout == nil means wait forever; *timeout == 0 means poll without
	// blocking. On timeout it returns ErrTimedOut.
	WaitAny(tokens []Token, timeout *time.Duration) (Result, int, error)

	// SGAAlloc allocates a scatter-gather array able to hold size bytes.
	SGAAlloc(size int) *SGA

	// SGAFree releases a scatter-gather array back to the transport's
	// allocator.
	SGAFree(sga *SGA)
}

// ErrTimedOut is returned by WaitAny when no token resolved within the
// requested timeout.
var ErrTimedOut = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string   { return "transport: wait_any timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
