package descspace

import "testing"

func TestRoundTripSocket(t *testing.T) {
	for _, slot := range []int{0, 1, 42, 10000} {
		d := MakeSocket(slot)
		c := Classify(d)
		if c.Kind != Socket || c.Slot != slot {
			t.Fatalf("MakeSocket(%d) -> Classify = %+v, want Socket/%d", slot, c, slot)
		}
	}
}

func TestRoundTripEpoll(t *testing.T) {
	for _, slot := range []int{0, 1, 42, 10000} {
		d := MakeEpoll(slot)
		c := Classify(d)
		if c.Kind != Epoll || c.Slot != slot {
			t.Fatalf("MakeEpoll(%d) -> Classify = %+v, want Epoll/%d", slot, c, slot)
		}
	}
}

func TestClassifyNative(t *testing.T) {
	for _, d := range []int{0, 1, 3, 1023, -1, -5} {
		c := Classify(d)
		if c.Kind != Native {
			t.Fatalf("Classify(%d) = %+v, want Native", d, c)
		}
		if c.Slot != d {
			t.Fatalf("Classify(%d).Slot = %d, want %d", d, c.Slot, d)
		}
	}
}

func TestRangesDoNotOverlap(t *testing.T) {
	if EpollBase <= 0 {
		t.Fatal("EpollBase must be positive")
	}
	if SocketBase <= EpollBase {
		t.Fatal("SocketBase must be greater than EpollBase")
	}
}
