// Package epollreg implements the per-epoll-instance registry (C4): the
// index of subscribed accelerated sockets, their ready list, and the
// pass-through handle to a native kernel poller for ordinary file
// descriptors. Grounded on the teacher's internal/poller index/ready-list
// bookkeeping (desc.go, pollmgr.go), adapted from a connection-dispatch
// table to the epoll subscription model this shim exposes.
package epollreg

import (
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/demikernel-go/epollshim/internal/nativepoll"
	"github.com/demikernel-go/epollshim/internal/socket"
)

// Event mask bits, the only two subscribable events (spec.md §3/§6).
const (
	Read  uint32 = 1 << 0
	Write uint32 = 1 << 1

	allMask = Read | Write
)

// Item is one accelerated socket's subscription within an instance.
type Item struct {
	Key      uint64 // the socket's transport_qd, widened for map use
	Socket   *socket.Socket
	Mask     uint32
	UserData uint64

	inReady    bool
	prev, next *Item
}

// Event is one entry handed back by DrainReady or native augmentation.
type Event struct {
	Mask     uint32
	UserData uint64
}

// Instance is one epoll instance: C4's index, ready list, and native-poll
// handle.
type Instance struct {
	// ID correlates this instance's log lines and traces across a pwait
	// call's five passes; it has no ABI meaning and never leaves the
	// process.
	ID uuid.UUID

	items map[uint64]*Item

	readyHead, readyTail *Item

	native     *nativepoll.Poller
	nativeData map[int]uint64
	nativeMask map[int]uint32
	eventBuf   []unix.EpollEvent
}

// Create allocates an instance and its backing native poll handle.
func Create() (*Instance, error) {
	np, err := nativepoll.Create()
	if err != nil {
		return nil, errors.Wrap(err, "epollreg: create native poll handle")
	}
	return &Instance{
		ID:         uuid.New(),
		items:      make(map[uint64]*Item),
		native:     np,
		nativeData: make(map[int]uint64),
		nativeMask: make(map[int]uint32),
		eventBuf:   make([]unix.EpollEvent, 64),
	}, nil
}

// validateMask rejects anything outside {READ, WRITE}, per spec.md §4.4 and
// testable property 4: the check must happen before any mutation.
func validateMask(mask uint32) error {
	if mask == 0 || mask&^allMask != 0 {
		return syscall.EINVAL
	}
	return nil
}

// AddSocket implements ctl(ADD) for an accelerated socket.
func (in *Instance) AddSocket(s *socket.Socket, mask uint32, userData uint64) error {
	if err := validateMask(mask); err != nil {
		return err
	}
	key := uint64(s.TransportQD)
	if _, exists := in.items[key]; exists {
		return syscall.EEXIST
	}
	in.items[key] = &Item{Key: key, Socket: s, Mask: mask, UserData: userData}
	return nil
}

// ModSocket implements ctl(MOD) for an accelerated socket.
func (in *Instance) ModSocket(s *socket.Socket, mask uint32, userData uint64) error {
	if err := validateMask(mask); err != nil {
		return err
	}
	item, ok := in.items[uint64(s.TransportQD)]
	if !ok {
		return syscall.ENOENT
	}
	item.Mask = mask
	item.UserData = userData
	return nil
}

// DelSocket implements ctl(DEL) for an accelerated socket.
func (in *Instance) DelSocket(s *socket.Socket) error {
	key := uint64(s.TransportQD)
	item, ok := in.items[key]
	if !ok {
		return syscall.ENOENT
	}
	in.unlinkReady(item)
	delete(in.items, key)
	return nil
}

// AddNative implements ctl(ADD) pass-through for a native fd.
func (in *Instance) AddNative(fd int, mask uint32, userData uint64) error {
	if err := validateMask(mask); err != nil {
		return err
	}
	if _, exists := in.nativeMask[fd]; exists {
		return syscall.EEXIST
	}
	if err := in.native.Add(fd, toEpollBits(mask)); err != nil {
		return errors.Wrapf(err, "epollreg: add native fd %d", fd)
	}
	in.nativeMask[fd] = mask
	in.nativeData[fd] = userData
	return nil
}

// ModNative implements ctl(MOD) pass-through for a native fd.
func (in *Instance) ModNative(fd int, mask uint32, userData uint64) error {
	if err := validateMask(mask); err != nil {
		return err
	}
	if _, exists := in.nativeMask[fd]; !exists {
		return syscall.ENOENT
	}
	if err := in.native.Mod(fd, toEpollBits(mask)); err != nil {
		return errors.Wrapf(err, "epollreg: mod native fd %d", fd)
	}
	in.nativeMask[fd] = mask
	in.nativeData[fd] = userData
	return nil
}

// DelNative implements ctl(DEL) pass-through for a native fd.
func (in *Instance) DelNative(fd int) error {
	if _, exists := in.nativeMask[fd]; !exists {
		return syscall.ENOENT
	}
	delete(in.nativeMask, fd)
	delete(in.nativeData, fd)
	if err := in.native.Del(fd); err != nil {
		return errors.Wrapf(err, "epollreg: del native fd %d", fd)
	}
	return nil
}

func toEpollBits(mask uint32) uint32 {
	var bits uint32
	if mask&Read != 0 {
		bits |= nativepoll.In | nativepoll.RdHup
	}
	if mask&Write != 0 {
		bits |= nativepoll.Out
	}
	return bits
}

// Items returns every tracked accelerated item, for the scheduler's Pass 1
// and Pass 2 sweeps. Order is map iteration order (spec.md §5: traversal
// order across sockets in one instance is implementation-defined).
func (in *Instance) Items() []*Item {
	out := make([]*Item, 0, len(in.items))
	for _, item := range in.items {
		out = append(out, item)
	}
	return out
}

// Remove deletes item from the index and ready list; used by the
// scheduler's Pass 1 to reap items whose socket has closed.
func (in *Instance) Remove(item *Item) {
	in.unlinkReady(item)
	delete(in.items, item.Key)
}

// MarkReady splices item into the ready list (head insertion), a no-op if
// it is already linked — the ready list never holds duplicates (testable
// property 3).
func (in *Instance) MarkReady(item *Item) {
	if item.inReady {
		return
	}
	item.next = in.readyHead
	item.prev = nil
	if in.readyHead != nil {
		in.readyHead.prev = item
	}
	in.readyHead = item
	if in.readyTail == nil {
		in.readyTail = item
	}
	item.inReady = true
}

func (in *Instance) unlinkReady(item *Item) {
	if !item.inReady {
		return
	}
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		in.readyHead = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		in.readyTail = item.prev
	}
	item.prev, item.next = nil, nil
	item.inReady = false
}

// ReadyLen reports how many items are currently on the ready list, mainly
// for tests.
func (in *Instance) ReadyLen() int {
	n := 0
	for i := in.readyHead; i != nil; i = i.next {
		n++
	}
	return n
}

// availableMask returns the subset of item.Mask currently satisfied by its
// socket's readiness predicates (spec.md §4.3).
func availableMask(item *Item) uint32 {
	if item.Socket == nil {
		return 0
	}
	var m uint32
	if item.Mask&Read != 0 && (item.Socket.CanRead() || item.Socket.CanAccept()) {
		m |= Read
	}
	if item.Mask&Write != 0 && item.Socket.CanWrite() {
		m |= Write
	}
	return m
}

// DrainReady pops items from the head of the ready list until either it is
// empty or cap entries have been emitted, one event record per item
// (spec.md §4.4: a single ready-list visit yields one event record per
// item, even if more than one subscribed bit is satisfied).
func (in *Instance) DrainReady(cap int) []Event {
	out := make([]Event, 0, cap)
	for len(out) < cap {
		item := in.readyHead
		if item == nil {
			break
		}
		in.unlinkReady(item)
		out = append(out, Event{Mask: availableMask(item), UserData: item.UserData})
	}
	return out
}

// WaitNative polls the native poll handle for timeoutMS milliseconds and
// returns up to cap events, reconstituting each native fd's registered
// user_data.
func (in *Instance) WaitNative(timeoutMS, cap int) ([]Event, error) {
	if cap <= 0 {
		return nil, nil
	}
	if cap > len(in.eventBuf) {
		in.eventBuf = make([]unix.EpollEvent, cap)
	}
	raw, err := in.native.Wait(timeoutMS, in.eventBuf[:cap])
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raw))
	for _, ev := range raw {
		out = append(out, Event{Mask: fromEpollBits(ev.Events), UserData: in.nativeData[ev.Fd]})
	}
	return out, nil
}

func fromEpollBits(bits uint32) uint32 {
	var mask uint32
	if bits&(nativepoll.In|nativepoll.RdHup|nativepoll.Hup|nativepoll.Err) != 0 {
		mask |= Read
	}
	if bits&(nativepoll.Out) != 0 {
		mask |= Write
	}
	return mask
}

// Close tears down the instance: the native poll handle is closed; items
// are discarded (spec.md §3 lifecycle — outstanding transport tokens are
// owned by the sockets, not cancelled here).
func (in *Instance) Close() error {
	in.items = nil
	in.readyHead, in.readyTail = nil, nil
	return in.native.Close()
}
