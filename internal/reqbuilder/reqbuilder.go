// Package reqbuilder implements C4, the Request Builder: the
// DIE-side component that drains pending host-page fault offsets,
// resolves them against the clean/received bitmaps, and emits PAGE /
// PAGE_CONT requests to the source — or, when already locally
// satisfiable, an immediate mark_cached with no wire round trip
// (spec §4.4).
package reqbuilder

import (
	"errors"
	"fmt"

	"github.com/rivervm/postcopy/internal/backingstore"
	"github.com/rivervm/postcopy/internal/block"
	"github.com/rivervm/postcopy/internal/pagestate"
	"github.com/rivervm/postcopy/internal/wire"
)

// MaxRequests bounds how many pending offsets are pulled per block per
// tick (spec §4.4 step 1).
const MaxRequests = 1024

// FaultSource is the per-block pending-fault drain the builder pulls
// from (backingstore.Store satisfies this).
type FaultSource interface {
	PendingFaults() ([]uint64, error)
}

// Sender transmits one framed request to the source. The builder emits
// at most one frame-set per block per tick, produced by
// SplitPageRequest: a PAGE frame followed by PAGE_CONT frames for any
// overflow. Builder keeps no "last block" across ticks, so each tick's
// frame-set for a block starts with a PAGE frame even when the previous
// frame sent named the same block.
type Sender interface {
	Send(frame []byte) error
}

// Block pairs a block's identity with its backing-store fault source
// and bitmap state.
type Block struct {
	Def   *block.Block
	Store FaultSource
}

// Builder is the C4 Request Builder for one connection to a source.
type Builder struct {
	blocks    []Block
	state     *pagestate.Store
	pending   *pagestate.PendingClean
	sender    Sender
	eocPendig bool // set once the stream reader observes END-OF-STREAM
}

// New constructs a Builder over blocks, sharing state (the page-state
// bitmap store) and the pending-clean drainer handle with the Stream
// Reader (C5) — the clean path's mark_cached call hits the same
// would-block/retry protocol as the stream reader's (spec §7
// BackingStoreBusy), so both must record stalled offsets into the same
// pending-clean bitmaps.
func New(blocks []Block, state *pagestate.Store, pending *pagestate.PendingClean, sender Sender) *Builder {
	return &Builder{blocks: blocks, state: state, pending: pending, sender: sender}
}

// SetEOCPending is called by the Stream Reader when it observes
// END-OF-STREAM (spec §4.5, §4.4 "Periodic duty").
func (b *Builder) SetEOCPending() { b.eocPendig = true }

// Tick services every block whose fault source has pending offsets,
// emitting at most one frame-set (PAGE plus any PAGE_CONT) per block,
// and returns whether an
// EOC was emitted (in which case the caller should close the write
// side, per spec §4.4 and §4.9).
func (b *Builder) Tick() (eocSent bool, err error) {
	for _, blk := range b.blocks {
		if err := b.tickBlock(blk); err != nil {
			return false, err
		}
	}

	if b.eocPendig && !b.hasOutstandingWork() {
		if err := b.sender.Send(wire.EncodeEOC()); err != nil {
			return false, fmt.Errorf("reqbuilder: send EOC: %w", err)
		}

		return true, nil
	}

	return false, nil
}

// hasOutstandingWork reports whether any block still has target pages
// neither received nor clean — the "no more pages remain to request"
// check spec §4.4's periodic duty performs before emitting EOC.
func (b *Builder) hasOutstandingWork() bool {
	for _, blk := range b.blocks {
		bs := b.state.Get(blk.Def.ID)

		for i := uint64(0); i < blk.Def.NumTargetPages(); i++ {
			if !bs.Satisfiable(i) {
				return true
			}
		}
	}

	return false
}

func (b *Builder) tickBlock(blk Block) error {
	pending, err := blk.Store.PendingFaults()
	if err != nil {
		return fmt.Errorf("reqbuilder: pending faults for %s: %w", blk.Def.ID, err)
	}

	if len(pending) == 0 {
		return nil
	}

	if len(pending) > MaxRequests {
		pending = pending[:MaxRequests]
	}

	bs := b.state.Get(blk.Def.ID)
	if bs == nil {
		return fmt.Errorf("reqbuilder: %w: %s", block.ErrUnknownBlock, blk.Def.ID)
	}

	var (
		toRequest  []uint64
		markCached []uint64
	)

	for _, hostPgoff := range pending {
		targets := blk.Def.TargetPagesForHost(hostPgoff)

		if allSatisfiable(bs, targets) {
			markCached = append(markCached, hostPgoff)

			continue
		}

		for _, pgoff := range targets {
			if wasSet := bs.RequestedW.TestAndSet(pgoff); !wasSet {
				toRequest = append(toRequest, pgoff)
			}
		}
	}

	if len(markCached) > 0 {
		if err := b.markCachedNow(blk, markCached); err != nil {
			return err
		}
	}

	if len(toRequest) == 0 {
		return nil
	}

	frames, err := wire.SplitPageRequest(string(blk.Def.ID), toRequest)
	if err != nil {
		return fmt.Errorf("reqbuilder: split request for %s: %w", blk.Def.ID, err)
	}

	for _, frame := range frames {
		if err := b.sender.Send(frame); err != nil {
			return fmt.Errorf("reqbuilder: send frame for %s: %w", blk.Def.ID, err)
		}
	}

	return nil
}

// allSatisfiable reports whether every target page in targets is
// already received or clean — the "clean path" test of spec §4.4 step
// 3, covering both the target>=host (single target) and target<host
// (multiple sibling targets) cases via block.TargetPagesForHost.
func allSatisfiable(bs *pagestate.BlockState, targets []uint64) bool {
	for _, t := range targets {
		if !bs.Satisfiable(t) {
			return false
		}
	}

	return true
}

// markCachedNow calls the store's MarkCached for hostPgoffs, served
// immediately with no source round trip (spec §4.4 step 3). On
// ErrWouldBlock it falls back to pending_clean exactly like the Stream
// Reader's markCached (internal/streamreader/streamreader.go), so the
// drainer still guarantees delivery for this path too (spec §7
// BackingStoreBusy).
func (b *Builder) markCachedNow(blk Block, hostPgoffs []uint64) error {
	mc, ok := blk.Store.(backingstore.Store)
	if !ok {
		return nil
	}

	if err := mc.MarkCached(hostPgoffs); err != nil {
		if errors.Is(err, backingstore.ErrWouldBlock) {
			b.pending.Mark(blk.Def.ID, hostPgoffs)

			return nil
		}

		return fmt.Errorf("reqbuilder: mark_cached: %w", err)
	}

	return nil
}
