package zhook

import "fmt"

// Kind classifies why an operation failed, per spec.md §7.
type Kind int

const (
	// InvalidArgument: null, zero size, caller-side misuse.
	InvalidArgument Kind = iota
	// InvalidOperation: state-machine violation (commit without begin,
	// install off-thread, etc.).
	InvalidOperation
	// OutOfRange: no trampoline region can be allocated within ±2 GiB of
	// the required window.
	OutOfRange
	// UnsupportedInstruction: prologue contains a CALL, or an instruction
	// whose rewriting is not supported.
	UnsupportedInstruction
	// NotFound: remove called with a pointer that does not correspond to
	// an active trampoline.
	NotFound
	// OutOfMemory: allocation failure.
	OutOfMemory
	// SystemCall: an OS primitive failed (protection change, suspend,
	// get/set context, cache flush, allocation).
	SystemCall
	// DecodeError: the disassembler refused to decode an instruction.
	DecodeError
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case InvalidOperation:
		return "InvalidOperation"
	case OutOfRange:
		return "OutOfRange"
	case UnsupportedInstruction:
		return "UnsupportedInstruction"
	case NotFound:
		return "NotFound"
	case OutOfMemory:
		return "OutOfMemory"
	case SystemCall:
		return "SystemCall"
	case DecodeError:
		return "DecodeError"
	default:
		return "Unknown"
	}
}

// Error is the engine's typed error: a Kind from spec.md §7, the operation
// that failed, and the wrapped cause (carrying a stack trace when built via
// github.com/pkg/errors, the same library the rest of the retrieval pack
// depends on for error wrapping).
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("zhook: %s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("zhook: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// CommitError is returned by Transaction.Commit on partial failure: it
// reports the index of the first record that failed to apply (spec.md §6
// "commit() ... returns the index of the failing record on partial
// failure"), unifying the C original's Commit/CommitEx pair into one
// idiomatic return value.
type CommitError struct {
	*Error
	FailedIndex int
}

// Index returns the index of the operation record that failed to commit.
func (e *CommitError) Index() int { return e.FailedIndex }
