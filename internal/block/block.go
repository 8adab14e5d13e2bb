// Package block models the RAM block: a contiguous guest-physical region
// discovered at migration start and immutable thereafter.
package block

import (
	"errors"
	"fmt"
)

var (
	ErrIDTooLong       = errors.New("block id longer than 255 bytes")
	ErrIDEmpty         = errors.New("block id is empty")
	ErrSizeNotPow2     = errors.New("page size is not a power of two")
	ErrLengthNotAlign  = errors.New("length not a multiple of page size")
	ErrDuplicateID     = errors.New("duplicate block id")
	ErrUnknownBlock    = errors.New("unknown block id")
	ErrRatioNotPow2    = errors.New("host/target page size ratio is not a power of two")
)

// ID is a block's stable identifier, at most 255 bytes.
type ID string

// Block is a contiguous guest-physical RAM region.
//
// TargetPageSize is the guest-visible page size used to index the
// per-block bitmaps in package pagestate. It must be a power of two and
// must divide, or be a multiple of, HostPageSize (data model invariant 4).
type Block struct {
	ID             ID
	Base           uint64 // guest-physical base offset
	Length         uint64 // bytes
	TargetPageSize uint64
	HostPageSize   uint64
}

// New validates and constructs a Block.
func New(id string, base, length, targetPageSize, hostPageSize uint64) (*Block, error) {
	if id == "" {
		return nil, ErrIDEmpty
	}

	if len(id) > 255 {
		return nil, fmt.Errorf("%w: %d bytes", ErrIDTooLong, len(id))
	}

	if !isPow2(targetPageSize) || !isPow2(hostPageSize) {
		return nil, ErrSizeNotPow2
	}

	if targetPageSize >= hostPageSize {
		if targetPageSize%hostPageSize != 0 {
			return nil, ErrRatioNotPow2
		}
	} else if hostPageSize%targetPageSize != 0 {
		return nil, ErrRatioNotPow2
	}

	if length%targetPageSize != 0 {
		return nil, fmt.Errorf("%w: length=%d target=%d", ErrLengthNotAlign, length, targetPageSize)
	}

	return &Block{
		ID:             ID(id),
		Base:           base,
		Length:         length,
		TargetPageSize: targetPageSize,
		HostPageSize:   hostPageSize,
	}, nil
}

func isPow2(n uint64) bool { return n != 0 && n&(n-1) == 0 }

// NumTargetPages returns the number of target pages in the block.
func (b *Block) NumTargetPages() uint64 { return b.Length / b.TargetPageSize }

// NumHostPages returns the number of host pages in the block.
func (b *Block) NumHostPages() uint64 { return b.Length / b.HostPageSize }

// TargetPerHost reports how many target pages make up one host page, and
// whether the target page is the larger of the two (in which case one
// target page covers multiple host pages instead).
//
// ratio is always >= 1. targetLarger tells the caller which of
// TargetPagesForHost / HostPagesForTarget to use.
func (b *Block) TargetPerHost() (ratio uint64, targetLarger bool) {
	if b.TargetPageSize >= b.HostPageSize {
		return b.TargetPageSize / b.HostPageSize, true
	}

	return b.HostPageSize / b.TargetPageSize, false
}

// TargetPagesForHost returns the target-page offsets covered by the host
// page at hostPgoff.
func (b *Block) TargetPagesForHost(hostPgoff uint64) []uint64 {
	ratio, targetLarger := b.TargetPerHost()
	if targetLarger {
		// One target page spans `ratio` host pages; hostPgoff maps to a
		// single target page at hostPgoff/ratio.
		return []uint64{hostPgoff / ratio}
	}

	first := hostPgoff * ratio

	out := make([]uint64, ratio)
	for i := uint64(0); i < ratio; i++ {
		out[i] = first + i
	}

	return out
}

// HostPagesForTarget returns every host-page offset covered by target
// page pgoff, used on the receive side when the target page is the
// larger unit: writing one target page's data fully determines the
// cached state of all `ratio` host pages within it (spec §4.4:
// "target ≥ host: each host page maps to a single target page").
func (b *Block) HostPagesForTarget(pgoff uint64) []uint64 {
	ratio, targetLarger := b.TargetPerHost()
	if !targetLarger {
		hostPgoff, _ := b.HostPageForTarget(pgoff)

		return []uint64{hostPgoff}
	}

	first := pgoff * ratio

	out := make([]uint64, ratio)
	for i := uint64(0); i < ratio; i++ {
		out[i] = first + i
	}

	return out
}

// HostPageForTarget returns the host-page offset that contains target
// page pgoff, along with every other target page within that same host
// page (used to test whether the whole host page is satisfiable).
func (b *Block) HostPageForTarget(pgoff uint64) (hostPgoff uint64, siblingTargets []uint64) {
	ratio, targetLarger := b.TargetPerHost()
	if targetLarger {
		// Every target page is >= one host page; the host page sits wholly
		// within this single target page, so "siblings" is just itself.
		return pgoff * ratio, []uint64{pgoff}
	}

	hostPgoff = pgoff / ratio
	first := hostPgoff * ratio
	siblingTargets = make([]uint64, ratio)

	for i := uint64(0); i < ratio; i++ {
		siblingTargets[i] = first + i
	}

	return hostPgoff, siblingTargets
}

// Set is an ordered, append-only collection of blocks, frozen after
// Prepare-time discovery (data model: "Blocks form an ordered set
// discovered at migration start and immutable thereafter").
type Set struct {
	ordered []*Block
	byID    map[ID]*Block
}

// NewSet builds a frozen Set from blocks, rejecting duplicate ids.
func NewSet(blocks []*Block) (*Set, error) {
	s := &Set{byID: make(map[ID]*Block, len(blocks))}

	for _, b := range blocks {
		if _, ok := s.byID[b.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, b.ID)
		}

		s.byID[b.ID] = b
		s.ordered = append(s.ordered, b)
	}

	return s, nil
}

// All returns the blocks in discovery order. The returned slice must not
// be mutated.
func (s *Set) All() []*Block { return s.ordered }

// Get looks up a block by id.
func (s *Set) Get(id ID) (*Block, error) {
	b, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}

	return b, nil
}

// Len reports the number of blocks.
func (s *Set) Len() int { return len(s.ordered) }
