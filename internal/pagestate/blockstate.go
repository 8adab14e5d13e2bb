package pagestate

import "github.com/rivervm/postcopy/internal/block"

// BlockState holds the three target-page-indexed bitmaps for one block:
// requested (single writer: request builder), received (single writer:
// stream reader), and clean (single writer: the precopy bitmap loader,
// then read-only). See spec §4.2 for the ownership discipline.
type BlockState struct {
	Block *block.Block

	RequestedW Writer
	RequestedR Reader

	ReceivedW Writer
	ReceivedR Reader

	CleanW Writer
	CleanR Reader
}

func newBlockState(b *block.Block) *BlockState {
	rqW, rqR := NewBitmap(b.NumTargetPages())
	rcW, rcR := NewBitmap(b.NumTargetPages())
	clW, clR := NewBitmap(b.NumTargetPages())

	return &BlockState{
		Block:      b,
		RequestedW: rqW,
		RequestedR: rqR,
		ReceivedW:  rcW,
		ReceivedR:  rcR,
		CleanW:     clW,
		CleanR:     clR,
	}
}

// Satisfiable reports whether target page pgoff is already known-good
// without a wire round trip: either already received, or pre-declared
// clean by the precopy bitmap.
func (s *BlockState) Satisfiable(pgoff uint64) bool {
	return s.ReceivedR.Test(pgoff) || s.CleanR.Test(pgoff)
}

// Store is the set of all blocks' bitmaps, allocated at prepare time.
type Store struct {
	blocks map[block.ID]*BlockState
	order  []block.ID
}

// NewStore allocates bitmaps for every block in set.
func NewStore(set *block.Set) *Store {
	s := &Store{blocks: make(map[block.ID]*BlockState, set.Len())}

	for _, b := range set.All() {
		s.blocks[b.ID] = newBlockState(b)
		s.order = append(s.order, b.ID)
	}

	return s
}

// Get returns the BlockState for id, or nil if unknown.
func (s *Store) Get(id block.ID) *BlockState { return s.blocks[id] }

// Order returns block ids in discovery order.
func (s *Store) Order() []block.ID { return s.order }

// Finished reports whether every target page in every block has been
// received or marked clean — the destination-side analogue of the
// backing store's finished() (spec §3).
func (s *Store) Finished() bool {
	for _, id := range s.order {
		bs := s.blocks[id]

		for i := uint64(0); i < bs.Block.NumTargetPages(); i++ {
			if !bs.Satisfiable(i) {
				return false
			}
		}
	}

	return true
}
