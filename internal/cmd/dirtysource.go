package cmd

import "github.com/rivervm/postcopy/internal/block"

// onceDirtySource reports every host page dirty on its first call per
// block and clean on every call after, enough to exercise the precopy
// pass's round/threshold machinery without wiring the real dirty-log
// machinery spec.md marks out of scope.
type onceDirtySource struct {
	seen map[block.ID]bool
	bits map[block.ID][]uint64
}

func newOnceDirtySource(blocks []*block.Block) *onceDirtySource {
	bits := make(map[block.ID][]uint64, len(blocks))

	for _, b := range blocks {
		words := (b.NumHostPages() + 63) / 64
		word := ^uint64(0)
		row := make([]uint64, words)

		for i := range row {
			row[i] = word
		}

		bits[b.ID] = row
	}

	return &onceDirtySource{seen: make(map[block.ID]bool, len(blocks)), bits: bits}
}

func (s *onceDirtySource) GetAndClearDirty(id block.ID) ([]uint64, error) {
	if s.seen[id] {
		return make([]uint64, len(s.bits[id])), nil
	}

	s.seen[id] = true

	return s.bits[id], nil
}
