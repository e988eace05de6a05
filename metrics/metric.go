// Package metrics provides runtime monitoring counters for the shim, such
// as how many pwait calls needed to submit new operations versus how many
// found events already ready — useful for tuning the scheduler.
package metrics

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// All metrics definitions.
const (
	// PWait scheduler metrics.
	PwaitCalls = iota
	PwaitTimedOut
	PwaitReapedClosed

	// Transport token traffic.
	TokensSubmitted
	TransportWaitAnyCalls
	AcceptCompletions
	RecvCompletions
	PushCompletions
	FailedCompletions

	// Native-poller pass-through.
	NativePollCalls
	NativeReadyDrained

	// Accelerated ready-list drains.
	AcceleratedReadyDrained
	ShortReadvSplits

	Max
)

var counters [Max]atomic.Uint64

// Add adds delta to a counter.
func Add(name int, delta uint64) {
	if name < 0 || name >= Max {
		return
	}
	counters[name].Add(delta)
}

// Get returns one counter's current value.
func Get(name int) uint64 {
	if name < 0 || name >= Max {
		return 0
	}
	return counters[name].Load()
}

// GetAll returns all counters.
func GetAll() [Max]uint64 {
	var m [Max]uint64
	for i := range counters {
		m[i] = counters[i].Load()
	}
	return m
}

// ShowMetricsOfPeriod blocks for d, then prints the delta of each counter
// observed over that period.
func ShowMetricsOfPeriod(d time.Duration) {
	old := GetAll()
	<-time.After(d)
	cur := GetAll()
	var m [Max]uint64
	for i := range counters {
		m[i] = cur[i] - old[i]
	}
	showAll(m)
}

// ShowMetrics prints the current counters to stdout.
func ShowMetrics() {
	showAll(GetAll())
}

func showAll(m [Max]uint64) {
	fmt.Println("######### epollshim metrics (", time.Now().Format("2006-01-02 15:04:05"), ") ###########")
	fmt.Printf("%-59s: %d\n", "# pwait - number of calls", m[PwaitCalls])
	fmt.Printf("%-59s: %d\n", "# pwait - number of timeouts", m[PwaitTimedOut])
	fmt.Printf("%-59s: %d\n", "# pwait - number of closed items reaped", m[PwaitReapedClosed])
	fmt.Printf("%-59s: %d\n", "# transport - tokens submitted", m[TokensSubmitted])
	fmt.Printf("%-59s: %d\n", "# transport - wait_any calls", m[TransportWaitAnyCalls])
	fmt.Printf("%-59s: %d\n", "# transport - accept completions", m[AcceptCompletions])
	fmt.Printf("%-59s: %d\n", "# transport - recv completions", m[RecvCompletions])
	fmt.Printf("%-59s: %d\n", "# transport - push completions", m[PushCompletions])
	fmt.Printf("%-59s: %d\n", "# transport - failed completions", m[FailedCompletions])
	fmt.Printf("%-59s: %d\n", "# native poller - wait calls", m[NativePollCalls])
	fmt.Printf("%-59s: %d\n", "# native poller - events drained", m[NativeReadyDrained])
	fmt.Printf("%-59s: %d\n", "# accelerated - ready-list events drained", m[AcceleratedReadyDrained])
	fmt.Printf("%-59s: %d\n", "# accelerated - short readv splits", m[ShortReadvSplits])
	fmt.Printf("\n")
}
