// Package zhook is a transactional x86/x86-64 inline-hook engine: it
// redirects calls to a target machine-code function to a user-supplied
// callback, while handing the caller a trampoline that still behaves like
// the original function.
//
// A hook install/remove is always performed inside a Transaction, which
// batches operations and the set of host threads that must be migrated
// before any patch byte is written, then applies everything atomically:
//
//	txn, err := zhook.Begin()
//	original, err := txn.Install(targetAddr, callbackAddr)
//	err = txn.UpdateAllThreads()
//	err = txn.Commit()
//
// The three hard subsystems — the relocator (internal/reloc), the
// trampoline arena (internal/arena), and the thread migrator
// (internal/threadmig) — are described in detail in DESIGN.md.
package zhook
