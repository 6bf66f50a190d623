// Package threadmig implements the thread migrator (spec.md §4.6): given a
// suspended thread, the old and new address ranges a hook operation moves
// code between, and the relocator's translation map, it moves the thread's
// instruction pointer to the semantically equivalent position in the new
// range if (and only if) the thread happens to be executing inside the old
// one.
package threadmig

import (
	"github.com/pkg/errors"

	"github.com/zyantific/zyan-hook-engine/internal/osthread"
	"github.com/zyantific/zyan-hook-engine/internal/reloc"
)

// Direction selects which translation-map field to match the computed
// offset against, and which range's base to measure the new IP from
// (spec.md §4.6).
type Direction int

const (
	// SrcToDst is used on Attach: a thread currently executing inside the
	// original prologue is moved forward into the trampoline.
	SrcToDst Direction = iota
	// DstToSrc is used on Remove: a thread currently executing inside the
	// trampoline is moved back into the (about to be restored) original
	// prologue.
	DstToSrc
)

// Range is a contiguous span of code a thread's instruction pointer may fall
// within.
type Range struct {
	Base   uintptr
	Length int
}

func (r Range) contains(ip uintptr) bool {
	return ip >= r.Base && ip < r.Base+uintptr(r.Length)
}

// ErrMidInstruction reports the fatal invariant violation spec.md §7 lists:
// a migrated thread's IP lies between two decoded instruction boundaries,
// which cannot happen on x86 if the translation map was built correctly.
var ErrMidInstruction = errors.New("threadmig: thread instruction pointer does not land on an instruction boundary")

// Migrate implements spec.md §4.6. current is the range the thread is
// presently executing in (named "source" in spec.md regardless of
// direction); target is the range it should end up in if it is currently
// inside current ("destination" in spec.md). tm is the translation map
// built for the SRC→DST direction by the relocator; it is consulted by
// SourceOffset for SrcToDst and by DestinationOffset for DstToSrc.
func Migrate(h osthread.Handle, current, target Range, tm reloc.TranslationMap, dir Direction) error {
	ip, err := h.IP()
	if err != nil {
		return errors.Wrap(err, "threadmig: read instruction pointer")
	}

	if !current.contains(ip) {
		return nil
	}

	offset := int(ip - current.Base)

	var newIP uintptr
	switch dir {
	case SrcToDst:
		entry, ok := tm.FindBySource(offset)
		if !ok {
			return ErrMidInstruction
		}
		newIP = target.Base + uintptr(entry.DestinationOffset)
	case DstToSrc:
		entry, ok := tm.FindByDestination(offset)
		if !ok {
			return ErrMidInstruction
		}
		newIP = target.Base + uintptr(entry.SourceOffset)
	default:
		return errors.Errorf("threadmig: unknown direction %d", dir)
	}

	if err := h.SetIP(newIP); err != nil {
		return errors.Wrap(err, "threadmig: write instruction pointer")
	}
	return nil
}
