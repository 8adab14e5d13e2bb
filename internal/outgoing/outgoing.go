// Package outgoing implements C8, the Outgoing Scheduler: the SOE's
// single-threaded, event-driven multiplexer over request servicing,
// background send, and rate limiting (spec §4.8).
package outgoing

import (
	"errors"
	"fmt"
	"time"

	"github.com/rivervm/postcopy/internal/block"
	"github.com/rivervm/postcopy/internal/handshake"
	"github.com/rivervm/postcopy/internal/pagecodec"
	"github.com/rivervm/postcopy/internal/streambuf"
	"github.com/rivervm/postcopy/internal/wire"
)

// State is the C8 scheduler state (spec §4.8 "States").
type State int

const (
	StateActive State = iota
	StateEOCReceived
	StateAllPagesSent
	StateCompleted
	StateErrorReceive
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateEOCReceived:
		return "EOC_RECEIVED"
	case StateAllPagesSent:
		return "ALL_PAGES_SENT"
	case StateCompleted:
		return "COMPLETED"
	case StateErrorReceive:
		return "ERROR_RECEIVE"
	default:
		return "UNKNOWN"
	}
}

// backgroundBurstDuration and backgroundBurstPages cap one background
// send burst, bounding lock hold time on the block list (spec §4.8).
const (
	backgroundBurstDuration = 50 * time.Millisecond
	backgroundBurstPages    = 64
)

// ReadSide is the duplicated, independently-non-blocking read handle
// used to receive requests (spec §4.8, §6). TryRead returns whatever is
// immediately available without blocking; an empty, nil-error result
// means nothing is ready right now.
type ReadSide interface {
	TryRead() ([]byte, error)
}

// WriteSide is the duplicated write handle carrying the page stream.
type WriteSide interface {
	Write(p []byte) (int, error)
}

// PageSource supplies page bytes for a block's target-page offset, the
// stand-in for the external RAM codec's read side (spec's "byte-level
// RAM save/load codec" is out of scope; this is the minimal subset
// needed to exercise C8 end-to-end, per SPEC_FULL.md §4.11).
type PageSource interface {
	ReadPage(id block.ID, pgoff uint64) ([]byte, error)
}

// blockCursor is one block's scheduler-owned state: which target pages
// have already been sent (the single-writer "sent" bitmap this
// package's duplicate-suppression relies on, SPEC_FULL.md §9) and the
// background walker's current position.
type blockCursor struct {
	def      *block.Block
	sent     []bool
	bgCursor uint64
}

func newBlockCursor(b *block.Block) *blockCursor {
	return &blockCursor{def: b, sent: make([]bool, b.NumTargetPages())}
}

// testAndSetSent reports whether pgoff was already sent, and marks it
// sent. This is the source-side half of the duplicate-suppression the
// Open Question in spec §9 resolves: a raced or repeated request for an
// already-sent page is silently discarded.
func (c *blockCursor) testAndSetSent(pgoff uint64) (wasSent bool) {
	wasSent = c.sent[pgoff]
	c.sent[pgoff] = true

	return wasSent
}

func (c *blockCursor) allSent() bool {
	for _, s := range c.sent {
		if !s {
			return false
		}
	}

	return true
}

// Config holds the scheduler's tunables (spec §4.8, §6 capability
// flags).
type Config struct {
	PrefaultForward   uint64
	PrefaultBackward  uint64
	BackgroundEnabled bool
	RateLimiter       *RateLimiter
}

// Scheduler is the C8 Outgoing Scheduler for one connection.
type Scheduler struct {
	blocks []*blockCursor
	byID   map[block.ID]*blockCursor
	order  []block.ID

	read  ReadSide
	write WriteSide
	src   PageSource
	cfg   Config

	state     State
	lastBlock block.ID
	buf       streambuf.Buf
	hs        handshake.Machine
}

// New constructs a Scheduler over blocks.
func New(blocks []*block.Block, read ReadSide, write WriteSide, src PageSource, cfg Config) *Scheduler {
	s := &Scheduler{
		byID:  make(map[block.ID]*blockCursor, len(blocks)),
		read:  read,
		write: write,
		src:   src,
		cfg:   cfg,
	}

	for _, b := range blocks {
		bc := newBlockCursor(b)
		s.blocks = append(s.blocks, bc)
		s.byID[b.ID] = bc
		s.order = append(s.order, b.ID)
	}

	return s
}

// State reports the scheduler's current state.
func (s *Scheduler) State() State { return s.state }

// Tick runs one scheduling iteration: service every complete request
// buffered after one read if any bytes arrived, else send at most one
// background burst if eligible
// (spec §4.8 "One tick").
func (s *Scheduler) Tick() error {
	if s.state == StateCompleted || s.state == StateErrorReceive {
		return nil
	}

	chunk, err := s.read.TryRead()
	if err != nil {
		if errors.Is(err, errPeerClosed) {
			if hsErr := s.hs.ObservePeerClosed(); hsErr != nil {
				s.state = StateErrorReceive

				return fmt.Errorf("outgoing: %w", hsErr)
			}

			return nil
		}

		return fmt.Errorf("outgoing: read: %w", err)
	}

	if len(chunk) > 0 {
		s.buf.Append(chunk)

		return s.drainRequests()
	}

	if s.state == StateEOCReceived {
		return nil
	}

	if !s.cfg.BackgroundEnabled || s.cfg.RateLimiter == nil || !s.cfg.RateLimiter.Allow() {
		return nil
	}

	return s.backgroundBurst()
}

// errPeerClosed is the sentinel a ReadSide implementation should wrap
// and return from TryRead once the connection is closed, so Tick can
// route it through the handshake machine (spec §4.9, §7
// PeerClosedEarly).
var errPeerClosed = errors.New("outgoing: peer closed")

// ErrPeerClosed is the exported sentinel ReadSide implementations
// should wrap with fmt.Errorf("...: %w", outgoing.ErrPeerClosed).
var ErrPeerClosed = errPeerClosed

func (s *Scheduler) drainRequests() error {
	for {
		req, consumed, err := wire.DecodeRequest(s.buf.Bytes())
		if errors.Is(err, wire.ErrNeedMore) {
			return nil
		}

		if err != nil {
			s.state = StateErrorReceive

			if errors.Is(err, wire.ErrUnknownCmd) {
				return fmt.Errorf("outgoing: decode request: %w: %w", ErrUnknownCommand, err)
			}

			return fmt.Errorf("outgoing: decode request: %w", err)
		}

		s.buf.Skip(consumed)

		if err := s.service(req); err != nil {
			return err
		}
	}
}

func (s *Scheduler) service(req wire.Request) error {
	switch req.Cmd {
	case wire.CmdEOC:
		return s.serviceEOC()
	case wire.CmdPage:
		return s.servicePage(block.ID(req.ID), req.PgOffs)
	case wire.CmdPageCont:
		return s.servicePage(s.lastBlock, req.PgOffs)
	default:
		s.state = StateErrorReceive

		return fmt.Errorf("outgoing: %w: %d", ErrUnknownCommand, req.Cmd)
	}
}

// ErrUnknownCommand surfaces an unrecognized wire command as a protocol
// error (spec §7 ProtocolError).
var ErrUnknownCommand = errors.New("outgoing: unknown command")

func (s *Scheduler) serviceEOC() error {
	s.hs.ObservePeerMarker()

	if s.allSent() {
		s.state = StateCompleted
	} else {
		s.state = StateEOCReceived
	}

	return nil
}

func (s *Scheduler) servicePage(id block.ID, pgoffs []uint64) error {
	if s.state == StateEOCReceived {
		// spec §4.8: "No pages are ever sent after EOC_RECEIVED."
		return nil
	}

	bc := s.byID[id]
	if bc == nil {
		s.state = StateErrorReceive

		return fmt.Errorf("outgoing: %w: %s", block.ErrUnknownBlock, id)
	}

	s.lastBlock = id

	for _, pgoff := range pgoffs {
		if err := s.sendIfNeeded(bc, pgoff); err != nil {
			return err
		}
	}

	if len(pgoffs) == 0 {
		return nil
	}

	last := pgoffs[len(pgoffs)-1]

	for i := uint64(1); i <= s.cfg.PrefaultForward; i++ {
		if last+i < bc.def.NumTargetPages() {
			if err := s.sendIfNeeded(bc, last+i); err != nil {
				return err
			}
		}
	}

	for i := uint64(1); i <= s.cfg.PrefaultBackward; i++ {
		if last >= i {
			if err := s.sendIfNeeded(bc, last-i); err != nil {
				return err
			}
		}
	}

	if s.cfg.BackgroundEnabled {
		advance := last + s.cfg.PrefaultForward + 1
		if advance > bc.bgCursor {
			bc.bgCursor = advance
		}
	}

	return nil
}

func (s *Scheduler) sendIfNeeded(bc *blockCursor, pgoff uint64) error {
	if pgoff >= uint64(len(bc.sent)) {
		return nil
	}

	if wasSent := bc.testAndSetSent(pgoff); wasSent {
		return nil
	}

	page, err := s.src.ReadPage(bc.def.ID, pgoff)
	if err != nil {
		return fmt.Errorf("outgoing: read page %s:%d: %w", bc.def.ID, pgoff, err)
	}

	frame, err := pagecodec.EncodePage(pgoff, page, bc.def.TargetPageSize)
	if err != nil {
		return fmt.Errorf("outgoing: encode page %s:%d: %w", bc.def.ID, pgoff, err)
	}

	if _, err := s.write.Write(frame); err != nil {
		return fmt.Errorf("outgoing: write page %s:%d: %w", bc.def.ID, pgoff, err)
	}

	return nil
}

func (s *Scheduler) allSent() bool {
	for _, bc := range s.blocks {
		if !bc.allSent() {
			return false
		}
	}

	return true
}

// backgroundBurst walks the blocks' unsent target pages from each
// block's cursor, sending one page per iteration and checking the read
// side between pages so a pending request preempts background work
// (spec §4.8 "Background send"). It caps itself at
// backgroundBurstDuration wall-clock or backgroundBurstPages pages.
func (s *Scheduler) backgroundBurst() error {
	start := time.Now()
	sent := 0

	for sent < backgroundBurstPages && time.Since(start) < backgroundBurstDuration {
		chunk, err := s.read.TryRead()
		if err != nil && !errors.Is(err, errPeerClosed) {
			return fmt.Errorf("outgoing: read: %w", err)
		}

		if len(chunk) > 0 {
			s.buf.Append(chunk)

			return s.drainRequests()
		}

		if !s.cfg.RateLimiter.Allow() {
			return nil
		}

		advanced, err := s.sendNextBackgroundPage()
		if err != nil {
			return err
		}

		if !advanced {
			return s.enterAllPagesSent()
		}

		sent++
	}

	return nil
}

func (s *Scheduler) sendNextBackgroundPage() (advanced bool, err error) {
	for _, bc := range s.blocks {
		for bc.bgCursor < bc.def.NumTargetPages() {
			pgoff := bc.bgCursor
			bc.bgCursor++

			if bc.sent[pgoff] {
				continue
			}

			if err := s.sendIfNeeded(bc, pgoff); err != nil {
				return false, err
			}

			return true, nil
		}
	}

	return false, nil
}

// enterAllPagesSent transitions to ALL_PAGES_SENT once the background
// walker has exhausted every block's dirty pages, emitting
// END-OF-STREAM and keeping the read side open to still accept an EOC
// (spec §4.8, §4.9).
func (s *Scheduler) enterAllPagesSent() error {
	if s.state != StateActive {
		return nil
	}

	s.state = StateAllPagesSent

	s.hs.SendLocalMarker()

	if _, err := s.write.Write(pagecodec.EncodeEndOfStream()); err != nil {
		return fmt.Errorf("outgoing: write END-OF-STREAM: %w", err)
	}

	return nil
}
