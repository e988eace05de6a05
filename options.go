package epollshim

import (
	"time"

	"github.com/demikernel-go/epollshim/internal/transport"
	"github.com/demikernel-go/epollshim/log"
)

// Option configures Init, mirroring the teacher's functional-options idiom.
type Option struct {
	f func(*options)
}

type options struct {
	transport       transport.Transport
	reusePort       bool
	ignoreTaskError bool
	poolSize        int
	logger          log.Logger
	tcpKeepAlive    time.Duration
}

func (o *options) setDefault() {
	o.poolSize = 0 // unbounded, ants' convention
	o.logger = log.Default
}

// WithTransport overrides the default OSTransport. Used by tests to inject
// a deterministic fake.
func WithTransport(tr transport.Transport) Option {
	return Option{func(o *options) {
		o.transport = tr
	}}
}

// WithReusePort enables SO_REUSEPORT on accelerated listeners, grounded on
// udpservice.go's use of github.com/kavu/go_reuseport for the same
// purpose.
func WithReusePort(reusePort bool) Option {
	return Option{func(o *options) {
		o.reusePort = reusePort
	}}
}

// WithIgnoreTaskError controls whether a task-pool failure closes the
// connection it was servicing or only reports a failed completion and
// leaves it open, mirroring poller.WithIgnoreTaskError.
func WithIgnoreTaskError(ignore bool) Option {
	return Option{func(o *options) {
		o.ignoreTaskError = ignore
	}}
}

// WithPoolSize bounds the default OSTransport's goroutine pool. <= 0 means
// unbounded.
func WithPoolSize(size int) Option {
	return Option{func(o *options) {
		o.poolSize = size
	}}
}

// WithTCPKeepAlive turns on TCP keep-alive with the given interval on every
// accelerated connection the default transport accepts. A zero duration
// (the default) leaves keep-alive off.
func WithTCPKeepAlive(interval time.Duration) Option {
	return Option{func(o *options) {
		o.tcpKeepAlive = interval
	}}
}

// WithLogger overrides the package-wide logger.
func WithLogger(logger log.Logger) Option {
	return Option{func(o *options) {
		o.logger = logger
	}}
}
