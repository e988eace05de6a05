// Package socket implements the per-accelerated-socket state machine: the
// slot bookkeeping that turns the async transport's completion tokens into
// the readiness predicates internal/scheduler needs, plus the user-buffer
// copy contract recv/send use to cross into and out of scatter-gather
// segments. Grounded on the teacher's tcpconn.go state handling (role
// transitions, single-outstanding-op discipline) adapted from a buffered
// streaming connection onto the transport's token/sga vocabulary.
package socket

import (
	"net"

	"github.com/demikernel-go/epollshim/internal/transport"
	"github.com/demikernel-go/epollshim/log"
	"github.com/demikernel-go/epollshim/metrics"
)

// Role distinguishes what a socket is for; it governs which of recv/accept
// state is active and what can satisfy which readiness predicate.
type Role int

// Recognized roles.
const (
	RoleFresh Role = iota
	RoleListening
	RoleConnected
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleListening:
		return "listening"
	case RoleConnected:
		return "connected"
	default:
		return "fresh"
	}
}

// OpState is the four-state lifecycle of one operation slot (spec.md §3).
type OpState int

// Recognized states.
const (
	Idle OpState = iota
	InFlight
	Ready
	Draining
)

// opSlot is one outstanding-or-completed operation: at most one of
// push/pop/accept may be in flight on it at a time.
type opSlot struct {
	token   transport.Token
	pending bool

	sga    *transport.SGA // recv result, or the sga of an in-flight/sent push
	accept *transport.AcceptResult
	err    error
}

func (s *opSlot) state(offset int) OpState {
	switch {
	case s.pending:
		return InFlight
	case s.sga != nil || s.accept != nil || s.err != nil:
		if offset > 0 {
			return Draining
		}
		return Ready
	default:
		return Idle
	}
}

func (s *opSlot) clear() {
	s.token = transport.Token{}
	s.pending = false
	s.sga = nil
	s.accept = nil
	s.err = nil
}

// RecvOrAccept is the sum type design note 9 calls for: a listening
// socket's accept slot and a connected socket's recv slot share no storage
// in this rewrite, only an interface value selecting which is active,
// discriminated by Role rather than a sentinel field.
type RecvOrAccept interface {
	isRecvOrAccept()
}

// recvState is active when Role == RoleConnected.
type recvState struct {
	op     opSlot
	offset int // bytes of op.sga already delivered to the caller
}

func (*recvState) isRecvOrAccept() {}

// acceptState is active when Role == RoleListening.
type acceptState struct {
	op opSlot
}

func (*acceptState) isRecvOrAccept() {}

// Socket is one accelerated socket's state (spec.md §3).
type Socket struct {
	TransportQD transport.QD
	LocalAddr   *net.TCPAddr
	Role        Role
	Open        bool

	send       opSlot
	recvAccept RecvOrAccept
}

// CanAccept implements the can_accept readiness predicate.
func (s *Socket) CanAccept() bool {
	as, ok := s.recvAccept.(*acceptState)
	return ok && as.op.state(0) == Ready
}

// CanRead implements the can_read readiness predicate.
func (s *Socket) CanRead() bool {
	rs, ok := s.recvAccept.(*recvState)
	if !ok {
		return false
	}
	st := rs.op.state(rs.offset)
	return st == Ready || st == Draining
}

// CanWrite implements the can_write readiness predicate.
func (s *Socket) CanWrite() bool {
	return s.send.state(0) == Idle
}

// applyCompletion folds a transport completion into the operation slot
// that submitted it. Used both by the socket table's own zero-timeout
// polling (Accept/Read/Write) and by internal/scheduler after a wait_any
// batch resolves a token on a socket's behalf (spec.md §4.5's
// handle_event).
func applyCompletion(op *opSlot, res transport.Result) {
	op.pending = false
	switch res.Opcode {
	case transport.OpAccept:
		acc := res.Accept
		op.accept = &acc
		metrics.Add(metrics.AcceptCompletions, 1)
	case transport.OpPop:
		op.sga = res.SGA
		metrics.Add(metrics.RecvCompletions, 1)
	case transport.OpPush:
		metrics.Add(metrics.PushCompletions, 1)
	case transport.OpFailed:
		op.err = res.RetErr
		metrics.Add(metrics.FailedCompletions, 1)
	default:
		log.Fatalf("socket: unknown completion opcode %v for qd %v", res.Opcode, res.QD)
	}
}

// HandleReadCompletion folds a wait_any completion into whichever of
// recv/accept state is active, for the scheduler's Pass 3. It is a fatal
// invariant violation to call this on a socket with neither active.
func (s *Socket) HandleReadCompletion(res transport.Result) {
	switch rs := s.recvAccept.(type) {
	case *recvState:
		applyCompletion(&rs.op, res)
	case *acceptState:
		applyCompletion(&rs.op, res)
	default:
		log.Fatalf("socket: read completion for qd %v with no active recv/accept slot", s.TransportQD)
	}
}

// HandleWriteCompletion folds a wait_any completion into the send slot.
func (s *Socket) HandleWriteCompletion(res transport.Result) {
	applyCompletion(&s.send, res)
}

// ScheduleRead submits a pop/accept if the role-appropriate slot is Idle,
// and in all cases returns the slot's current token for the scheduler's
// wait_any batch (spec.md §4.5 Pass 2, READ bit of pending_mask). ok is
// false when the socket has neither an active recv nor accept slot, or when
// submitting the pop/accept fails (err is then non-nil).
func (s *Socket) ScheduleRead(tr transport.Transport) (tok transport.Token, ok bool, err error) {
	switch rs := s.recvAccept.(type) {
	case *recvState:
		if rs.op.state(rs.offset) == Idle {
			t, e := tr.Pop(s.TransportQD)
			if e != nil {
				return transport.Token{}, false, e
			}
			rs.op.token, rs.op.pending = t, true
			metrics.Add(metrics.TokensSubmitted, 1)
		}
		return rs.op.token, true, nil
	case *acceptState:
		if rs.op.state(0) == Idle {
			t, e := tr.Accept(s.TransportQD)
			if e != nil {
				return transport.Token{}, false, e
			}
			rs.op.token, rs.op.pending = t, true
			metrics.Add(metrics.TokensSubmitted, 1)
		}
		return rs.op.token, true, nil
	default:
		return transport.Token{}, false, nil
	}
}

// PendingToken returns the token that should be added to a pwait batch for
// the given event bit ('r' or 'w'), and whether one exists. Used by
// internal/scheduler's Pass 2.
func (s *Socket) PendingToken(bit byte) (transport.Token, bool) {
	switch bit {
	case 'r':
		switch rs := s.recvAccept.(type) {
		case *recvState:
			if rs.op.state(rs.offset) == InFlight {
				return rs.op.token, true
			}
		case *acceptState:
			if rs.op.state(0) == InFlight {
				return rs.op.token, true
			}
		}
	case 'w':
		if s.send.state(0) == InFlight {
			return s.send.token, true
		}
	}
	return transport.Token{}, false
}

// copyInto fills sga's segments in order from buf, copying min(len(buf),
// segment_len) per segment until buf is exhausted. Segments are assumed
// sized to hold len(buf) exactly, per spec.md §4.3's allocation contract.
func copyInto(buf []byte, sga *transport.SGA) {
	remaining := buf
	for _, seg := range sga.Segments {
		if len(remaining) == 0 {
			return
		}
		n := copy(seg, remaining)
		remaining = remaining[n:]
	}
}

// copyFrom copies forward from sga starting at *offset, up to len(out)
// bytes, advancing *offset. It returns true iff the sga is now fully
// consumed (every segment byte has been delivered).
func copyFrom(sga *transport.SGA, offset *int, out []byte) (n int, drained bool) {
	skip := *offset
	for _, seg := range sga.Segments {
		if skip >= len(seg) {
			skip -= len(seg)
			continue
		}
		avail := seg[skip:]
		space := len(out) - n
		if space <= 0 {
			break
		}
		c := copy(out[n:], avail)
		n += c
		skip = 0
		if c < len(avail) {
			break // out filled before this segment was exhausted
		}
	}
	*offset += n
	return n, *offset >= sga.Len()
}
