package precopy_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/rivervm/postcopy/internal/block"
	"github.com/rivervm/postcopy/internal/precopy"
	"github.com/rivervm/postcopy/internal/wire"
)

// fakeDirtySource replays a fixed sequence of per-round bitmaps, then
// reports all-zero (converged) on every subsequent round.
type fakeDirtySource struct {
	rounds map[block.ID][][]uint64
	calls  map[block.ID]int
}

func newFakeDirtySource() *fakeDirtySource {
	return &fakeDirtySource{
		rounds: make(map[block.ID][][]uint64),
		calls:  make(map[block.ID]int),
	}
}

func (f *fakeDirtySource) set(id block.ID, rounds [][]uint64) {
	f.rounds[id] = rounds
}

func (f *fakeDirtySource) GetAndClearDirty(id block.ID) ([]uint64, error) {
	i := f.calls[id]
	f.calls[id]++

	rs := f.rounds[id]
	if i >= len(rs) {
		return make([]uint64, 1), nil
	}

	return rs[i], nil
}

func TestRunConvergesAndEmitsCleanBitmap(t *testing.T) {
	t.Parallel()

	blk, err := block.New("ram0", 0, 64*4096, 4096, 4096)
	if err != nil {
		t.Fatalf("block.New: %v", err)
	}

	src := newFakeDirtySource()
	// Round 1 dirties page 0 only; round 2 converges (zero dirty),
	// which is below the threshold and stops the pass.
	src.set(blk.ID, [][]uint64{
		{0x1}, // bit 0 dirty
		{0x0},
	})

	var out bytes.Buffer

	cfg := precopy.DefaultConfig()
	if err := precopy.Run(context.Background(), []*block.Block{blk}, src, &out, cfg, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, term, consumed, err := wire.DecodeCleanBitmapRecord(out.Bytes())
	if err != nil {
		t.Fatalf("DecodeCleanBitmapRecord: %v", err)
	}

	if term {
		t.Fatalf("expected a block record before the terminator")
	}

	if rec.ID != string(blk.ID) {
		t.Fatalf("expected id %s, got %s", blk.ID, rec.ID)
	}

	if rec.Words[0]&0x1 != 0 {
		t.Fatalf("expected page 0 to be reported dirty (not clean) since it was touched")
	}

	if rec.Words[0]&0x2 == 0 {
		t.Fatalf("expected page 1 to be reported clean")
	}

	_, term2, _, err := wire.DecodeCleanBitmapRecord(out.Bytes()[consumed:])
	if err != nil {
		t.Fatalf("DecodeCleanBitmapRecord terminator: %v", err)
	}

	if !term2 {
		t.Fatalf("expected terminator after the single block record")
	}
}

func TestRunStopsAtMaxRounds(t *testing.T) {
	t.Parallel()

	blk, err := block.New("ram0", 0, 4096, 4096, 4096)
	if err != nil {
		t.Fatalf("block.New: %v", err)
	}

	src := newFakeDirtySource()
	// Always dirty, above threshold: the round budget, not convergence,
	// must be what stops the loop.
	src.set(blk.ID, [][]uint64{{0x1}, {0x1}, {0x1}, {0x1}, {0x1}})

	var out bytes.Buffer

	cfg := precopy.Config{MaxRounds: 2, Threshold: 0.01}
	if err := precopy.Run(context.Background(), []*block.Block{blk}, src, &out, cfg, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if src.calls[blk.ID] != 2 {
		t.Fatalf("expected exactly MaxRounds=2 calls, got %d", src.calls[blk.ID])
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	blk, err := block.New("ram0", 0, 4096, 4096, 4096)
	if err != nil {
		t.Fatalf("block.New: %v", err)
	}

	src := newFakeDirtySource()
	src.set(blk.ID, [][]uint64{{0x1}, {0x1}, {0x1}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer

	cfg := precopy.Config{MaxRounds: 10, Threshold: 0.01}
	if err := precopy.Run(ctx, []*block.Block{blk}, src, &out, cfg, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if src.calls[blk.ID] != 0 {
		t.Fatalf("expected no rounds to run once ctx is already cancelled, got %d", src.calls[blk.ID])
	}
}
