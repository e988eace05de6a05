// Package scheduler implements pwait (C5): the five-pass algorithm that
// reaps closed subscriptions, computes readiness, submits whatever
// operations the scheduler still needs answers for, multiplexes them
// through the async transport's wait_any, and finally augments the result
// with native-poller events. Grounded on the teacher's internal/poller
// event loop (poller_epoll.go's Wait/handle), adapted from a perpetual
// event-loop goroutine into the request/response pwait entry point this
// shim exposes.
package scheduler

import (
	"syscall"
	"time"

	"github.com/demikernel-go/epollshim/internal/epollreg"
	"github.com/demikernel-go/epollshim/internal/transport"
	"github.com/demikernel-go/epollshim/log"
	"github.com/demikernel-go/epollshim/metrics"
)

// Scheduler drives pwait against one Transport. One Scheduler is shared by
// every epoll instance in the process (they are independent only in their
// own index/ready-list state).
type Scheduler struct {
	transport transport.Transport
}

// New creates a Scheduler bound to tr.
func New(tr transport.Transport) *Scheduler {
	return &Scheduler{transport: tr}
}

type batchEntry struct {
	item *epollreg.Item
	bit  byte // 'r' or 'w'
}

// PWait implements pwait(epollfd, out, timeout_ms) (spec.md §4.5). It
// writes up to len(out) events and returns how many were filled. timeoutMS
// < 0 means block indefinitely, == 0 means poll, > 0 bounds the wait.
func (s *Scheduler) PWait(in *epollreg.Instance, out []epollreg.Event, timeoutMS int) (int, error) {
	metrics.Add(metrics.PwaitCalls, 1)

	// Pass 1 — reap closed items.
	for _, item := range in.Items() {
		if item.Socket != nil && !item.Socket.Open {
			in.Remove(item)
			metrics.Add(metrics.PwaitReapedClosed, 1)
		}
	}

	items := in.Items()
	hasAccelSubs := len(items) > 0

	// Pass 2 — compute readiness, schedule missing operations.
	var batch []transport.Token
	var entries []batchEntry
	for _, item := range items {
		var satisfied uint32
		if item.Mask&epollreg.Read != 0 && (item.Socket.CanRead() || item.Socket.CanAccept()) {
			satisfied |= epollreg.Read
		}
		if item.Mask&epollreg.Write != 0 && item.Socket.CanWrite() {
			satisfied |= epollreg.Write
		}
		if satisfied != 0 {
			in.MarkReady(item)
		}
		pending := item.Mask &^ satisfied // the XOR trick: bits wanted but not yet satisfied

		if pending&epollreg.Read != 0 {
			tok, ok, err := item.Socket.ScheduleRead(s.transport)
			if err != nil {
				log.Debugf("pwait[%s]: schedule read on qd %v failed: %v", in.ID, item.Socket.TransportQD, err)
			} else if ok {
				batch = append(batch, tok)
				entries = append(entries, batchEntry{item: item, bit: 'r'})
			}
		}
		if pending&epollreg.Write != 0 {
			if tok, ok := item.Socket.PendingToken('w'); ok {
				batch = append(batch, tok)
				entries = append(entries, batchEntry{item: item, bit: 'w'})
			}
		}
	}

	// Pass 3 — multiplex.
	if len(batch) > 0 {
		var timeout *time.Duration
		switch {
		case in.ReadyLen() > 0:
			zero := time.Duration(0)
			timeout = &zero
		case timeoutMS < 0:
			timeout = nil
		default:
			d := time.Duration(timeoutMS) * time.Millisecond
			timeout = &d
		}

		res, idx, err := s.transport.WaitAny(batch, timeout)
		metrics.Add(metrics.TransportWaitAnyCalls, 1)
		switch {
		case err == transport.ErrTimedOut:
			metrics.Add(metrics.PwaitTimedOut, 1)
		case err != nil:
			return 0, err
		default:
			entry := entries[idx]
			if entry.item.Socket.TransportQD != res.QD {
				log.Fatalf("pwait: wait_any result qd %v does not match scheduled item qd %v", res.QD, entry.item.Socket.TransportQD)
			}
			if entry.bit == 'r' {
				entry.item.Socket.HandleReadCompletion(res)
			} else {
				entry.item.Socket.HandleWriteCompletion(res)
			}
			in.MarkReady(entry.item)
		}
	}

	// Pass 4 — drain the accelerated ready list.
	accel := in.DrainReady(len(out))
	n := copy(out, accel)
	metrics.Add(metrics.AcceleratedReadyDrained, uint64(n))

	// Pass 5 — augment with native poll events.
	remaining := len(out) - n
	if remaining > 0 {
		nativeTimeout := timeoutMS
		if hasAccelSubs {
			nativeTimeout = 0
		}
		native, err := in.WaitNative(nativeTimeout, remaining)
		if err != nil && err != syscall.EINTR {
			return n, err
		}
		n += copy(out[n:], native)
	}

	return n, nil
}
