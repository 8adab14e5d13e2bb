package faultintake_test

import (
	"context"
	"testing"
	"time"

	"github.com/rivervm/postcopy/internal/backingstore"
	"github.com/rivervm/postcopy/internal/faultintake"
)

func TestLoopForwardsMaterializedFaults(t *testing.T) {
	t.Parallel()

	store := backingstore.NewMemStore(8, 4096, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var materialized []uint64

	done := make(chan error, 1)

	go func() {
		done <- faultintake.Loop(ctx, store, func(hostPgoff uint64) error {
			materialized = append(materialized, hostPgoff)

			return nil
		}, nil)
	}()

	store.Touch(3)
	store.Touch(5)

	deadline := time.After(2 * time.Second)

	var seen []uint64

	for len(seen) < 2 {
		pending, err := store.PendingFaults()
		if err != nil {
			t.Fatalf("PendingFaults: %v", err)
		}

		seen = append(seen, pending...)

		if len(seen) >= 2 {
			break
		}

		select {
		case <-deadline:
			t.Fatalf("timed out waiting for faults to be forwarded, got %v", seen)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Loop returned error: %v", err)
	}
}
