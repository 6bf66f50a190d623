// Package osthread is the thread-migrator's OS-specific half: enumerate the
// threads of the current process, suspend/resume them, and read/write the
// suspended instruction pointer. spec.md §4.6 describes the engine-side
// migration algorithm in terms of "the thread's current instruction
// pointer"; this package supplies that primitive for Windows (via
// Get/SetThreadContext) and Linux (via ptrace).
package osthread

import "errors"

// ErrNotSupported reports an operation unavailable in a given build. None of
// this package's Enumerator implementations returns it: the fallback for
// unsupported operating systems returns its own error value.
var ErrNotSupported = errors.New("osthread: operation not supported")

// ID identifies an OS thread of the current process.
type ID uint32

// Handle is an open reference to a suspended thread, returned by
// Enumerator.Suspend and consumed by IP/SetIP and Enumerator.Resume.
type Handle interface {
	ID() ID
	// IP returns the thread's current instruction pointer. The thread must
	// be suspended.
	IP() (uintptr, error)
	// SetIP overwrites the thread's instruction pointer. The thread must be
	// suspended.
	SetIP(uintptr) error
	// Close releases OS resources associated with the handle without
	// resuming the thread; callers resume explicitly via Resume.
	Close() error
}

// Enumerator is the platform-specific half of the thread migrator.
type Enumerator interface {
	// ListThreads returns the IDs of every thread in the current process
	// except callerID.
	ListThreads(callerID ID) ([]ID, error)

	// CurrentThreadID returns the calling thread's OS ID.
	CurrentThreadID() ID

	// Suspend stops the given thread and returns a Handle for inspecting and
	// mutating its context. Per spec.md §4.6/§5, the caller never suspends
	// its own thread.
	Suspend(id ID) (Handle, error)

	// Resume resumes a thread suspended via Suspend, closing the handle.
	Resume(h Handle) error
}

// Default returns the platform's Enumerator implementation.
func Default() Enumerator {
	return defaultEnumerator
}
