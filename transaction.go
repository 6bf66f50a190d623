package zhook

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zyantific/zyan-hook-engine/internal/arena"
	"github.com/zyantific/zyan-hook-engine/internal/disasm"
	"github.com/zyantific/zyan-hook-engine/internal/osthread"
	"github.com/zyantific/zyan-hook-engine/internal/reloc"
	"github.com/zyantific/zyan-hook-engine/internal/threadmig"
	"github.com/zyantific/zyan-hook-engine/internal/xarch"
)

// threadmgr is the Enumerator every transaction op suspends/resumes/
// enumerates threads through. A package-level var, like internal/arena's
// and patch.go's allocator seams, so tests can swap in a fake instead of
// suspending real OS threads.
var threadmgr osthread.Enumerator = osthread.Default()

// owner is the process-wide transaction-ownership CAS field (spec.md §4.7:
// "Only one transaction is open at a time; ownership is enforced by a CAS on
// a thread-id field"). 0 means no transaction is open; osthread.ID is never
// legitimately 0 on either target OS.
var owner uint64

// installed is the process-wide registry of trampolines that have survived
// a committed Attach: the only pointers Remove is allowed to accept
// (spec.md §6: "remove(original) ... original was returned by a prior
// committed install").
var (
	installedMu sync.Mutex
	installed   = map[uintptr]*arena.Chunk{}
)

func defaultMode() disasm.Mode {
	if xarch.Is64Bit {
		return disasm.Mode64
	}
	return disasm.Mode32
}

// Transaction is the engine's state machine: Idle → Open(owner) →
// (Committed|Aborted) → Idle (spec.md §4.7).
type Transaction struct {
	ownerID osthread.ID
	mode    disasm.Mode

	ops       []Operation
	handles   []osthread.Handle
	unwindNew []*arena.Chunk // chunks allocated by Install in this txn, for Abort
}

// Begin opens a transaction on the calling OS thread. Fails with
// InvalidOperation if one is already open.
func Begin() (*Transaction, error) {
	tid := uint64(threadmgr.CurrentThreadID())
	if !atomic.CompareAndSwapUint64(&owner, 0, tid) {
		return nil, newError(InvalidOperation, "Begin", errors.New("a transaction is already open"))
	}
	return &Transaction{ownerID: osthread.ID(tid), mode: defaultMode()}, nil
}

func (t *Transaction) checkOwner(op string) error {
	if threadmgr.CurrentThreadID() != t.ownerID {
		return newError(InvalidOperation, op, errors.New("called from a thread other than the transaction owner"))
	}
	return nil
}

// Install allocates a trampoline for patchSite (spec.md §4.4–§4.5), queues
// an Attach record, and returns the address the caller should invoke in
// place of the original function.
func (t *Transaction) Install(patchSite, callback uintptr) (uintptr, error) {
	if err := t.checkOwner("Install"); err != nil {
		return 0, err
	}
	if patchSite == 0 || callback == 0 {
		return 0, newError(InvalidArgument, "Install", errors.New("patch site and callback must be non-nil"))
	}

	addrLo, addrHi, err := arena.ComputeRange(t.mode, patchSite)
	if err != nil {
		return 0, newError(relocErrorKind(err), "Install", err)
	}

	_, chunk, err := arena.FindOrAllocateChunk(addrLo, addrHi)
	if err != nil {
		return 0, newError(OutOfRange, "Install", err)
	}

	if _, err := arena.Build(chunk, patchSite, callback, t.mode); err != nil {
		arena.ReleaseChunk(chunk)
		return 0, newError(relocErrorKind(err), "Install", err)
	}

	t.ops = append(t.ops, Operation{Kind: OpKindInline, Action: ActionAttach, PatchSite: patchSite, Chunk: chunk})
	t.unwindNew = append(t.unwindNew, chunk)

	log.WithField("patch_site", patchSite).WithField("trampoline", chunk.Address()).Debug("install queued")
	return chunk.Address(), nil
}

// Remove locates the trampoline previously returned by a committed Install
// and queues a Remove record.
func (t *Transaction) Remove(original uintptr) error {
	if err := t.checkOwner("Remove"); err != nil {
		return err
	}

	installedMu.Lock()
	chunk, ok := installed[original]
	installedMu.Unlock()
	if !ok {
		return newError(NotFound, "Remove", errors.Errorf("no active trampoline at %#x", original))
	}

	t.ops = append(t.ops, Operation{Kind: OpKindInline, Action: ActionRemove, PatchSite: chunk.PatchSite, Chunk: chunk})
	return nil
}

// UpdateThread opens, suspends, and adds id's thread to this transaction's
// update list.
func (t *Transaction) UpdateThread(id osthread.ID) error {
	if err := t.checkOwner("UpdateThread"); err != nil {
		return err
	}
	if id == t.ownerID {
		return nil
	}
	h, err := threadmgr.Suspend(id)
	if err != nil {
		return newError(SystemCall, "UpdateThread", err)
	}
	t.handles = append(t.handles, h)
	return nil
}

// UpdateAllThreads suspends every other thread of the current process. This
// generalizes Zyrex.h's per-thread UpdateThread, named in spec.md §4.7/§6 as
// update_all_threads but left undesigned by the C header
// (original_source/include/Zyrex/Transaction.h).
func (t *Transaction) UpdateAllThreads() error {
	if err := t.checkOwner("UpdateAllThreads"); err != nil {
		return err
	}
	ids, err := threadmgr.ListThreads(t.ownerID)
	if err != nil {
		return newError(SystemCall, "UpdateAllThreads", err)
	}

	// Suspending threads touches OS state one at a time on Windows/Linux
	// regardless; fanning the suspend calls themselves out over goroutines
	// shortens wall-clock time when many threads are listed, without
	// weakening the transaction's single-owner serialization (the owner
	// CAS already excludes every other transaction).
	handles := make([]osthread.Handle, len(ids))
	g := new(errgroup.Group)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			h, err := threadmgr.Suspend(id)
			if err != nil {
				return errors.Wrapf(err, "suspend thread %d", id)
			}
			handles[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, h := range handles {
			if h != nil {
				threadmgr.Resume(h)
			}
		}
		return newError(SystemCall, "UpdateAllThreads", err)
	}
	t.handles = append(t.handles, handles...)
	return nil
}

// Commit applies every queued record in order (spec.md §4.7). On failure,
// prior records are reverted in reverse order and the returned error's
// Index() reports which record failed.
func (t *Transaction) Commit() error {
	if err := t.checkOwner("Commit"); err != nil {
		return err
	}
	logger, _ := newTxnLogger()

	applied := 0
	var commitErr error
	for i, op := range t.ops {
		if err := t.applyRecord(op); err != nil {
			commitErr = err
			for j := i - 1; j >= 0; j-- {
				if uerr := t.revertRecord(t.ops[j]); uerr != nil {
					logger.WithError(uerr).Warn("revert failed while unwinding a partial commit")
				}
			}
			// The failing record's own trampoline was allocated by Install
			// and never got registered; release it so it doesn't leak.
			if op.Action == ActionAttach {
				if rerr := arena.ReleaseChunk(op.Chunk); rerr != nil {
					logger.WithError(rerr).Warn("failed to release trampoline for a record that failed to commit")
				}
			}
			break
		}
		applied++
	}

	for _, h := range t.handles {
		if err := threadmgr.Resume(h); err != nil {
			logger.WithError(err).Warn("resume failed after commit")
		}
	}

	if commitErr == nil {
		// Register every newly attached chunk, deregister every removed one,
		// now that the patch bytes are actually live.
		installedMu.Lock()
		for _, op := range t.ops {
			switch op.Action {
			case ActionAttach:
				installed[op.Chunk.Address()] = op.Chunk
			case ActionRemove:
				delete(installed, op.Chunk.Address())
			}
		}
		installedMu.Unlock()
	}

	t.reset()
	if commitErr != nil {
		return &CommitError{Error: newError(relocErrorKind(commitErr), "Commit", commitErr), FailedIndex: applied}
	}
	return nil
}

// Abort frees every trampoline allocated during this transaction, resumes
// every suspended thread, and discards the record list. Infallible for the
// caller; internal teardown errors are logged (spec.md §4.7).
func (t *Transaction) Abort() error {
	if err := t.checkOwner("Abort"); err != nil {
		return err
	}
	logger, _ := newTxnLogger()

	for _, chunk := range t.unwindNew {
		if err := arena.ReleaseChunk(chunk); err != nil {
			logger.WithError(err).Error("failed to release trampoline during abort")
		}
	}
	for _, h := range t.handles {
		if err := threadmgr.Resume(h); err != nil {
			logger.WithError(err).Warn("resume failed during abort")
		}
	}

	t.reset()
	return nil
}

func (t *Transaction) reset() {
	atomic.StoreUint64(&owner, 0)
	t.ops = nil
	t.handles = nil
	t.unwindNew = nil
}

// applyRecord performs one operation's commit-time effect (spec.md §4.7
// "Commit" step 1).
func (t *Transaction) applyRecord(op Operation) error {
	switch op.Action {
	case ActionAttach:
		return t.applyAttach(op)
	case ActionRemove:
		return t.applyRemove(op)
	default:
		return errors.Errorf("unknown operation action %d", op.Action)
	}
}

// revertRecord performs the inverse of applyRecord, used to unwind prior
// records when a later one fails mid-commit.
func (t *Transaction) revertRecord(op Operation) error {
	switch op.Action {
	case ActionAttach:
		return t.applyRemove(op)
	case ActionRemove:
		return t.applyAttach(op)
	default:
		return errors.Errorf("unknown operation action %d", op.Action)
	}
}

func (t *Transaction) applyAttach(op Operation) error {
	chunk := op.Chunk
	srcRange := threadmig.Range{Base: op.PatchSite, Length: int(chunk.OriginalCodeSize)}
	dstRange := threadmig.Range{Base: chunk.Address(), Length: int(chunk.CodeBufferSize)}

	for _, h := range t.handles {
		if err := threadmig.Migrate(h, srcRange, dstRange, chunk.TranslationMap, threadmig.SrcToDst); err != nil {
			return errors.Wrap(err, "migrate thread forward")
		}
	}

	jumpTarget := chunk.Callback
	if xarch.Is64Bit {
		jumpTarget = chunk.CallbackJumpAddress()
	}
	return patchSite(op.PatchSite, int(chunk.OriginalCodeSize), jumpTarget)
}

func (t *Transaction) applyRemove(op Operation) error {
	chunk := op.Chunk
	srcRange := threadmig.Range{Base: chunk.Address(), Length: int(chunk.CodeBufferSize)}
	dstRange := threadmig.Range{Base: op.PatchSite, Length: int(chunk.OriginalCodeSize)}

	for _, h := range t.handles {
		if err := threadmig.Migrate(h, srcRange, dstRange, chunk.TranslationMap, threadmig.DstToSrc); err != nil {
			return errors.Wrap(err, "migrate thread backward")
		}
	}

	if err := restoreOriginal(op.PatchSite, chunk.OriginalCode[:chunk.OriginalCodeSize]); err != nil {
		return err
	}
	return arena.ReleaseChunk(chunk)
}

// relocErrorKind classifies an internal error from arena/reloc into one of
// spec.md §7's Kind values, by unwrapping known sentinel/typed errors.
func relocErrorKind(err error) Kind {
	var unsupported *reloc.UnsupportedInstructionError
	if errors.As(err, &unsupported) {
		return UnsupportedInstruction
	}
	if errors.Is(err, arena.ErrOutOfRange) {
		return OutOfRange
	}
	cause := errors.Cause(err)
	if cause == arena.ErrOutOfRange {
		return OutOfRange
	}
	return SystemCall
}
