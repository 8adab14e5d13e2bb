package drainer_test

import (
	"context"
	"testing"
	"time"

	"github.com/rivervm/postcopy/internal/backingstore"
	"github.com/rivervm/postcopy/internal/block"
	"github.com/rivervm/postcopy/internal/drainer"
	"github.com/rivervm/postcopy/internal/pagestate"
)

type storeMap struct {
	byID map[block.ID]backingstore.Store
}

func (s storeMap) Get(id block.ID) backingstore.Store { return s.byID[id] }

func TestDrainerDeliversPendingCleanBatchAndExits(t *testing.T) {
	t.Parallel()

	blk, err := block.New("ram0", 0, 16*4096, 4096, 4096)
	if err != nil {
		t.Fatalf("block.New: %v", err)
	}

	set, _ := block.NewSet([]*block.Block{blk})

	pc := pagestate.NewPendingClean(set)
	store := backingstore.NewMemStore(16, 4096, 16)

	pc.Mark(blk.ID, []uint64{1, 2, 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- drainer.Run(ctx, pc, storeMap{byID: map[block.ID]backingstore.Store{blk.ID: store}}, nil, func(time.Duration) {})
	}()

	deadline := time.After(2 * time.Second)

	for {
		got := store.DrainWakes(16)
		if len(got) == 3 {
			break
		}

		select {
		case <-deadline:
			t.Fatalf("timed out waiting for drainer to deliver wakes")
		case <-time.After(10 * time.Millisecond):
		}
	}

	pc.SetExit()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("drainer did not exit after SetExit with empty bitmaps")
	}
}
