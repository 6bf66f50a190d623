package zhook

import (
	"sync"

	"github.com/zyantific/zyan-hook-engine/internal/osthread"
)

// Barrier guards user callbacks against unbounded reentrancy: a callback
// invoked through a hook wraps its body in TryEnter/Leave, keyed by the
// hook's handle (the trampoline code-buffer address returned by Install),
// ported from original_source/include/Zyrex/Barrier.h and
// src/Barrier.c. The original keeps this state in thread-local storage; Go
// has no portable TLS without cgo, so this keys the same per-thread
// recursion counters by the calling goroutine's OS thread id instead
// (spec.md §1 lists the barrier as an external, per-thread collaborator;
// see DESIGN.md for why a thread-id-keyed map is the Go equivalent of TLS).
type Barrier struct {
	mu    sync.Mutex
	depth map[osthread.ID]map[uintptr]uint32
}

// NewBarrier returns an initialized, empty Barrier. There is no separate
// SystemInitialize/Shutdown pair as in the C original — Go's zero-cost
// map/mutex initialization makes that lifecycle unnecessary.
func NewBarrier() *Barrier {
	return &Barrier{depth: make(map[osthread.ID]map[uintptr]uint32)}
}

// TryEnter is TryEnterEx with maxRecursionDepth 0: it only passes the
// barrier on the outermost (non-reentrant) call.
func (b *Barrier) TryEnter(handle uintptr) bool {
	return b.TryEnterEx(handle, 0)
}

// TryEnterEx passes the barrier — incrementing this OS thread's recursion
// counter for handle — iff the counter's current value is ≤ maxRecursionDepth.
func (b *Barrier) TryEnterEx(handle uintptr, maxRecursionDepth uint32) bool {
	tid := osthread.Default().CurrentThreadID()

	b.mu.Lock()
	defer b.mu.Unlock()

	perThread, ok := b.depth[tid]
	if !ok {
		perThread = make(map[uintptr]uint32)
		b.depth[tid] = perThread
	}

	current := perThread[handle]
	if current > maxRecursionDepth {
		return false
	}
	perThread[handle] = current + 1
	return true
}

// Leave decrements the calling OS thread's recursion counter for handle,
// deleting the entry once it reaches zero.
func (b *Barrier) Leave(handle uintptr) {
	tid := osthread.Default().CurrentThreadID()

	b.mu.Lock()
	defer b.mu.Unlock()

	perThread, ok := b.depth[tid]
	if !ok {
		return
	}
	if perThread[handle] <= 1 {
		delete(perThread, handle)
	} else {
		perThread[handle]--
	}
	if len(perThread) == 0 {
		delete(b.depth, tid)
	}
}

// RecursionDepth returns the calling OS thread's current recursion depth for
// handle, and whether any barrier context exists for it.
func (b *Barrier) RecursionDepth(handle uintptr) (uint32, bool) {
	tid := osthread.Default().CurrentThreadID()

	b.mu.Lock()
	defer b.mu.Unlock()

	perThread, ok := b.depth[tid]
	if !ok {
		return 0, false
	}
	d, ok := perThread[handle]
	return d, ok
}
