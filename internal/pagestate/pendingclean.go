package pagestate

import (
	"sync"

	"github.com/rivervm/postcopy/internal/block"
)

// PendingClean tracks, per block and indexed by *host*-page offset, pages
// that have already been written into the backing store but whose
// mark_cached wake-up could not be pushed through the fault pipe yet
// (spec §3 data model, §4.7 Pending-Clean Drainer). It is protected by a
// dedicated mutex + condvar, distinct from the single-writer bitmaps.
type PendingClean struct {
	mu   sync.Mutex
	cond *sync.Cond

	perBlock map[block.ID]*Bitmap
	order    []block.ID
	exit     bool
}

// NewPendingClean allocates one host-page-indexed bitmap per block.
func NewPendingClean(set *block.Set) *PendingClean {
	p := &PendingClean{perBlock: make(map[block.ID]*Bitmap, set.Len())}
	p.cond = sync.NewCond(&p.mu)

	for _, b := range set.All() {
		p.perBlock[b.ID] = newBitmap(b.NumHostPages())
		p.order = append(p.order, b.ID)
	}

	return p
}

// Mark records hostOffsets as cached-but-unacknowledged for block id and
// wakes any drainer blocked in Wait.
func (p *PendingClean) Mark(id block.ID, hostOffsets []uint64) {
	p.mu.Lock()

	bm := p.perBlock[id]
	for _, o := range hostOffsets {
		bm.set(o)
	}

	p.mu.Unlock()
	p.cond.Broadcast()
}

// Empty reports whether every block's pending_clean bitmap is clear.
func (p *PendingClean) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.emptyLocked()
}

func (p *PendingClean) emptyLocked() bool {
	for _, id := range p.order {
		if p.perBlock[id].PopCount() > 0 {
			return false
		}
	}

	return true
}

// Wait blocks until some block has a pending bit set, or SetExit has been
// called. It returns false only when told to exit with nothing left to
// drain (spec §4.7: "Exits when the supervisor sets the
// pending_clean_exit flag and the bitmaps are empty").
func (p *PendingClean) Wait() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if !p.emptyLocked() {
			return true
		}

		if p.exit {
			return false
		}

		p.cond.Wait()
	}
}

// SetExit latches the exit flag and wakes any waiter.
func (p *PendingClean) SetExit() {
	p.mu.Lock()
	p.exit = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// DrainBatch clears up to max bits from the first non-empty block (in
// block order) and returns that block's id and the cleared host-page
// offsets. ok is false when every block is empty.
func (p *PendingClean) DrainBatch(max int) (id block.ID, hostOffsets []uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, bid := range p.order {
		bm := p.perBlock[bid]

		var got []uint64

		bm.ForEachSet(func(i uint64) {
			if len(got) >= max {
				return
			}

			got = append(got, i)
		})

		if len(got) == 0 {
			continue
		}

		for _, i := range got {
			bm.clear(i)
		}

		return bid, got, true
	}

	return "", nil, false
}
