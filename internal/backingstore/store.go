// Package backingstore defines the shared-memory page container
// abstraction described in spec §3 as the "Backing store handle" — the
// engine's one external collaborator that the spec marks out of scope but
// that must exist for the engine to run. Store is implemented by a real
// Linux userfaultfd-backed store (uffd_linux.go) and by an in-memory
// simulated store (memstore.go) used by tests and non-Linux builds.
package backingstore

import (
	"context"
	"errors"
)

// ErrWouldBlock is returned by MarkCached when the backing store's
// internal wake-up pipe is saturated (spec §3, §7 BackingStoreBusy).
var ErrWouldBlock = errors.New("backingstore: would block")

// Store is the per-block backing-store handle.
type Store interface {
	// Map installs a userfault-capable mapping over [hostAddr, hostAddr+length).
	Map(hostAddr uintptr, length int) error

	// Unmark makes the pages in [hostAddr, hostAddr+length) fault again,
	// used to reclaim background-pushed pages learned clean later.
	Unmark(hostAddr uintptr, length int) error

	// PendingFaults returns host-page offsets faulted since the last
	// call. Non-blocking.
	PendingFaults() ([]uint64, error)

	// ReadFault blocks until the next raw fault notification arrives or
	// ctx is done (the source side of internal/faultintake.Loop).
	ReadFault(ctx context.Context) (hostPgoff uint64, ok bool, err error)

	// NotePending queues hostPgoff for the next PendingFaults call.
	NotePending(hostPgoff uint64)

	// WritePage writes page data for hostPgoff into the backing region
	// (the stand-in for the external RAM codec writing into shadow
	// memory, spec §4.5).
	WritePage(hostPgoff uint64, data []byte) error

	// MarkCached declares hostPgoffs present and wakes any waiter.
	// Non-blocking: returns ErrWouldBlock if the wake-up pipe is
	// saturated, in which case the caller must retry later (see
	// internal/drainer) via MarkCachedBlocking.
	MarkCached(hostPgoffs []uint64) error

	// MarkCachedBlocking behaves like MarkCached but blocks until the
	// wake-up is delivered or ctx is done. This is the pending-clean
	// drainer's guaranteed-delivery path (spec §4.7: "push each batch
	// through the (blocking) fault pipe").
	MarkCachedBlocking(ctx context.Context, hostPgoffs []uint64) error

	// Finished reports whether every page has been marked cached.
	Finished() bool

	// HostPageSize reports the host MMU page size backing this store.
	HostPageSize() uint64

	Close() error
}
