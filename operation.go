package zhook

import "github.com/zyantific/zyan-hook-engine/internal/arena"

// OpKind identifies the kind of hook an Operation targets. Only OpKindInline
// is implemented; the others are reserved constants mirroring
// original_source/include/Zyrex/Zyrex.h's ZyrexAttachInlineHook/
// ExceptionHook/ContextHook trio, kept as named values for
// forward-compatibility (spec.md's Non-goals explicitly exclude designing
// them).
type OpKind int

const (
	OpKindInline OpKind = iota
	OpKindException
	OpKindContext
)

// Action is whether an Operation attaches a new hook or removes one
// previously installed.
type Action int

const (
	ActionAttach Action = iota
	ActionRemove
)

// Operation is one buffered install/remove record inside an open
// Transaction (spec.md §3 "Operation record").
type Operation struct {
	Kind      OpKind
	Action    Action
	PatchSite uintptr
	Chunk     *arena.Chunk
}
