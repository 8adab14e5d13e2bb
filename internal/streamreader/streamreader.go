// Package streamreader implements C5, the Stream Reader: the DIE-side
// component that parses the framed RAM-save record stream arriving from
// the source, writes page data into the backing store, and marks host
// pages cached — falling back to pending_clean when the backing store's
// wake-up pipe is saturated (spec §4.5).
package streamreader

import (
	"errors"
	"fmt"

	"github.com/rivervm/postcopy/internal/backingstore"
	"github.com/rivervm/postcopy/internal/block"
	"github.com/rivervm/postcopy/internal/pagecodec"
	"github.com/rivervm/postcopy/internal/pagestate"
	"github.com/rivervm/postcopy/internal/streambuf"
)

// EOCNotifier is notified when END-OF-STREAM arrives, so the Request
// Builder can begin its EOC-pending periodic check (spec §4.4, §4.5).
type EOCNotifier interface {
	SetEOCPending()
}

// Reader parses one connection's incoming RAM-save record stream for a
// single, fixed block (the protocol as specified has no CONTINUE/block
// switch record of its own payload beyond reusing "last block" — this
// reader is constructed per block and the caller dispatches records to
// the right instance when multiple blocks are multiplexed, mirroring
// how reqbuilder.Block already keys state per block).
type Reader struct {
	blk   *block.Block
	state *pagestate.BlockState
	store backingstore.Store
	drain *pagestate.PendingClean

	eoc EOCNotifier

	buf streambuf.Buf

	// staging assembles a host page's bytes from the several smaller
	// target-page records that make it up, when host_page_size >
	// target_page_size (spec §4.4's "one host page covers N target
	// pages" case). Entries are freed once the assembled host page is
	// written.
	staging map[uint64][]byte
}

// New constructs a Reader for blk, sharing bitmap state with the
// Request Builder and the backing store with the fault-intake/drainer
// components.
func New(blk *block.Block, state *pagestate.BlockState, store backingstore.Store, drain *pagestate.PendingClean, eoc EOCNotifier) *Reader {
	return &Reader{blk: blk, state: state, store: store, drain: drain, eoc: eoc, staging: make(map[uint64][]byte)}
}

// Feed appends freshly-read bytes and processes every complete record
// currently buffered, returning whether END-OF-STREAM was seen.
func (r *Reader) Feed(p []byte) (sawEndOfStream bool, err error) {
	r.buf.Append(p)

	for {
		rec, consumed, err := pagecodec.DecodeRecord(r.buf.Bytes(), r.blk.TargetPageSize)
		if errors.Is(err, pagecodec.ErrNeedMore) {
			return sawEndOfStream, nil
		}

		if err != nil {
			return sawEndOfStream, fmt.Errorf("streamreader: decode record for %s: %w", r.blk.ID, err)
		}

		r.buf.Skip(consumed)

		done, err := r.apply(rec)
		if err != nil {
			return sawEndOfStream, err
		}

		if done {
			sawEndOfStream = true
		}
	}
}

func (r *Reader) apply(rec pagecodec.Record) (sawEndOfStream bool, err error) {
	switch {
	case rec.Flags&pagecodec.FlagEndOfStream != 0:
		if r.eoc != nil {
			r.eoc.SetEOCPending()
		}

		return true, nil

	case rec.Flags&pagecodec.FlagHook != 0, rec.Flags&pagecodec.FlagMemSize != 0:
		return false, nil

	case rec.Flags&pagecodec.FlagPage != 0:
		return false, r.writePage(rec.Offset, rec.Page)

	case rec.Flags&pagecodec.FlagZero != 0:
		zero := make([]byte, r.blk.TargetPageSize)

		return false, r.writePage(rec.Offset, zero)

	default:
		return false, fmt.Errorf("streamreader: unrecognized flags %#x", rec.Flags)
	}
}

// writePage writes page into the backing store at the target-page
// offset, marks the bit received, and — once every target page sharing
// a host page is satisfiable — calls mark_cached for that host page
// (spec §4.4's ratio rule, reused here per §4.5 "compute the set of
// host pages now complete").
//
// Store.WritePage always writes a whole host page at a time (matching
// UFFDIO_COPY's host-page granularity), so the two size-ratio
// directions need different assembly: when the target page is the
// larger unit, one record supplies every host page inside it directly;
// when the host page is larger, a record supplies only a fragment and
// is staged until its siblings complete the host page.
func (r *Reader) writePage(pgoff uint64, page []byte) error {
	r.state.ReceivedW.Set(pgoff)

	_, targetLarger := r.blk.TargetPerHost()
	if targetLarger {
		return r.writeTargetLargerPage(pgoff, page)
	}

	return r.writeHostLargerPage(pgoff, page)
}

func (r *Reader) writeTargetLargerPage(pgoff uint64, page []byte) error {
	hostPgoffs := r.blk.HostPagesForTarget(pgoff)

	for i, hp := range hostPgoffs {
		start := uint64(i) * r.blk.HostPageSize
		chunk := page[start : start+r.blk.HostPageSize]

		if err := r.store.WritePage(hp, chunk); err != nil {
			return fmt.Errorf("streamreader: write host page %d: %w", hp, err)
		}
	}

	return r.markCached(hostPgoffs)
}

func (r *Reader) writeHostLargerPage(pgoff uint64, page []byte) error {
	hostPgoff, siblingTargets := r.blk.HostPageForTarget(pgoff)

	buf, ok := r.staging[hostPgoff]
	if !ok {
		buf = make([]byte, r.blk.HostPageSize)
		r.staging[hostPgoff] = buf
	}

	offset := (pgoff - siblingTargets[0]) * r.blk.TargetPageSize
	copy(buf[offset:offset+r.blk.TargetPageSize], page)

	for _, t := range siblingTargets {
		if !r.state.Satisfiable(t) {
			return nil
		}
	}

	delete(r.staging, hostPgoff)

	if err := r.store.WritePage(hostPgoff, buf); err != nil {
		return fmt.Errorf("streamreader: write host page %d: %w", hostPgoff, err)
	}

	return r.markCached([]uint64{hostPgoff})
}

func (r *Reader) markCached(hostPgoffs []uint64) error {
	err := r.store.MarkCached(hostPgoffs)
	if err == nil {
		return nil
	}

	if errors.Is(err, backingstore.ErrWouldBlock) {
		r.drain.Mark(r.blk.ID, hostPgoffs)

		return nil
	}

	return fmt.Errorf("streamreader: mark_cached %v: %w", hostPgoffs, err)
}
