// Package drainer implements C7, the Pending-Clean Drainer: the worker
// that retries mark_cached for pages the Stream Reader could not wake
// immediately because the backing store's fault pipe was saturated
// (spec §4.7).
package drainer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rivervm/postcopy/internal/backingstore"
	"github.com/rivervm/postcopy/internal/block"
	"github.com/rivervm/postcopy/internal/pagestate"
)

// BatchLimit bounds one drain batch to PIPE_BUF/8 - 1 host-page offsets
// (spec §4.7), leaving room for the pipe's own framing the way the
// original's fault-wake pipe does.
const BatchLimit = 4096/8 - 1

// SettleDelay is the fixed pause after waking before a drain pass
// starts, so the fault-processing side has time to drain and batching
// stays effective (spec §4.7: "sleep one second first").
const SettleDelay = time.Second

// Stores resolves a block id to the backing store used to retry
// mark_cached for it.
type Stores interface {
	Get(id block.ID) backingstore.Store
}

// Run drains pc until ctx is cancelled, or until pc.SetExit has been
// called with nothing left pending (spec §4.7's exit discipline);
// cancelling ctx calls pc.SetExit so an idle Wait returns. sleep is
// injected so tests can run without the real one-second settle delay.
func Run(ctx context.Context, pc *pagestate.PendingClean, stores Stores, log *logrus.Entry, sleep func(time.Duration)) error {
	if sleep == nil {
		sleep = time.Sleep
	}

	stop := context.AfterFunc(ctx, pc.SetExit)
	defer stop()

	for {
		if !pc.Wait() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}

		sleep(SettleDelay)

		if err := drainAll(ctx, pc, stores, log); err != nil {
			return err
		}
	}
}

func drainAll(ctx context.Context, pc *pagestate.PendingClean, stores Stores, log *logrus.Entry) error {
	for {
		id, hostOffsets, ok := pc.DrainBatch(BatchLimit)
		if !ok {
			return nil
		}

		store := stores.Get(id)
		if store == nil {
			return fmt.Errorf("drainer: unknown block %s", id)
		}

		if err := store.MarkCachedBlocking(ctx, hostOffsets); err != nil {
			return fmt.Errorf("drainer: mark_cached_blocking for %s: %w", id, err)
		}

		if log != nil {
			log.WithFields(logrus.Fields{"block": string(id), "count": len(hostOffsets)}).Debug("drainer: batch delivered")
		}
	}
}
