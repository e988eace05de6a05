package epollshim

import "syscall"

// Errno values this shim returns (spec.md §7). Go idiom returns these
// directly as the error result rather than mutating a process-global, but
// the values themselves are exactly the ones a POSIX caller would read out
// of errno.
const (
	EBADF       = syscall.EBADF
	EINVAL      = syscall.EINVAL
	EEXIST      = syscall.EEXIST
	ENOENT      = syscall.ENOENT
	EWOULDBLOCK = syscall.EWOULDBLOCK
	ETIMEDOUT   = syscall.ETIMEDOUT
	ENOTSUP     = syscall.ENOTSUP
)

// ErrNotInitialized is returned by every public entry point when called
// before Init, per spec.md §5's "one explicit init call must happen before
// any shim call".
var ErrNotInitialized error = EINVAL
