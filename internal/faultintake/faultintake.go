// Package faultintake implements C3: the host-supervisor-side loop that
// reads raw fault notifications from the backing store, forces a benign
// read of guest RAM to turn an anonymous notification into a blocking
// userfault the daemon can satisfy, and forwards the host-page offset
// for the Request Builder (C4) to drain (spec §4.3).
//
// In the teacher's process model this loop runs in the host supervisor,
// separate from the daemon; here it runs as a goroutine wired directly
// to a backingstore.Store, communicating with the Request Builder
// in-process instead of over a second pipe(2) — the ambient
// shared-memory Go program does not need the supervisor/daemon process
// split the original's fork(2) isolation required (spec §9 Design Notes,
// "Fork-based daemon isolation").
package faultintake

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// PipeBuf bounds one batch's size so a forwarding write stays within a
// single atomic pipe write, per spec §4.3 ("Batch size bounded by
// PIPE_BUF"). Linux's PIPE_BUF is 4096 bytes; each offset is 8 bytes.
const PipeBuf = 4096 / 8

// Source is the subset of a backing store this loop depends on: a
// blocking wait for the next raw fault, and a way to hand the
// materialized offset downstream.
type Source interface {
	ReadFault(ctx context.Context) (hostPgoff uint64, ok bool, err error)
	NotePending(hostPgoff uint64)
}

// Materializer performs the "benign read of one byte of guest RAM"
// (spec §4.3) that forces the backing store to register the fault as a
// blocking userfault. Implementations touch the mmap'd shadow memory at
// the given host-page offset.
type Materializer func(hostPgoff uint64) error

// Loop runs C3 until ctx is cancelled or the source reports a terminal
// error, reading one fault at a time. Unlike the original's two-pipe
// design, there is no separate forwarding pipe to saturate, so no
// PIPE_BUF batching of the forward hop is needed; PipeBuf is retained
// only as a documented constant (no other package references it; the
// drainer has its own BatchLimit).
func Loop(ctx context.Context, src Source, materialize Materializer, log *logrus.Entry) error {
	for {
		hostPgoff, ok, err := src.ReadFault(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			return fmt.Errorf("faultintake: read fault: %w", err)
		}

		if !ok {
			continue
		}

		if err := materialize(hostPgoff); err != nil {
			return fmt.Errorf("faultintake: materialize %d: %w", hostPgoff, err)
		}

		src.NotePending(hostPgoff)

		if log != nil {
			log.WithField("host_pgoff", hostPgoff).Debug("faultintake: forwarded fault")
		}
	}
}
