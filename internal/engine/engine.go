// Package engine assembles C1-C9 into the two runnable values the rest of
// the system drives: Destination (the DIE's goroutines — fault intake
// and stream reader per block, one request builder and one pending-clean
// drainer — plus an optional control channel that is sent QUIT when the
// destination finishes; no goroutine reads QUIT or ERROR commands from
// the control channel) and Source (the SOE's single event loop).
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rivervm/postcopy/internal/backingstore"
	"github.com/rivervm/postcopy/internal/block"
	"github.com/rivervm/postcopy/internal/control"
	"github.com/rivervm/postcopy/internal/drainer"
	"github.com/rivervm/postcopy/internal/faultintake"
	"github.com/rivervm/postcopy/internal/handshake"
	"github.com/rivervm/postcopy/internal/outgoing"
	"github.com/rivervm/postcopy/internal/pagestate"
	"github.com/rivervm/postcopy/internal/precopy"
	"github.com/rivervm/postcopy/internal/reqbuilder"
	"github.com/rivervm/postcopy/internal/streambuf"
	"github.com/rivervm/postcopy/internal/streamreader"
	"github.com/rivervm/postcopy/internal/wire"
)

// ErrSourceReceiveFailed is returned when the outgoing scheduler latches
// ERROR_RECEIVE (spec §7 ProtocolError on the request channel).
var ErrSourceReceiveFailed = errors.New("engine: source entered ERROR_RECEIVE")

// builderTick is how often the request builder drains pending faults
// and checks the EOC-pending flag. Spec §4.4 only mandates the
// once-a-second EOC check; draining faults promptly matters more for
// latency, so the tick runs faster than that and the EOC check rides
// along on every tick (checking it more often than required is
// harmless).
const builderTick = 10 * time.Millisecond

// BlockIO pairs one block's definition, backing store, and its page
// stream with the engine's shared state.
type BlockIO struct {
	Def        *block.Block
	Store      backingstore.Store
	PageStream io.Reader
}

// RequestSender is the destination's shared, block-id-carrying channel
// to the source (the request half of the connection spec §4.8
// describes as "a duplicate read side").
type RequestSender interface {
	reqbuilder.Sender
	io.Closer
}

// connSender adapts a plain net.Conn (or any io.WriteCloser) to
// RequestSender.
type connSender struct{ w io.WriteCloser }

// NewConnSender wraps w (typically the request half of a net.Conn) as a
// RequestSender.
func NewConnSender(w io.WriteCloser) RequestSender { return connSender{w} }

func (s connSender) Send(frame []byte) error {
	_, err := s.w.Write(frame)

	return err
}

func (s connSender) Close() error { return s.w.Close() }

// DestinationConfig holds the Destination's tunables and collaborators.
type DestinationConfig struct {
	// Materializer performs the "benign read" fault-intake step (spec
	// §4.3). Both concrete backingstore.Store implementations already
	// deliver a genuine fault notification from ReadFault (a real
	// userfaultfd event, or a test's simulated touch), so the default
	// no-op is correct; set this only if a future Store needs an
	// explicit forced access to arm the fault.
	Materializer faultintake.Materializer

	// Control, if non-nil, receives CmdQuit once the destination
	// finishes (spec §4.3, §6).
	Control *control.Channel

	Log *logrus.Entry
}

// Destination is the DIE side: C2-C7 and the control channel, wired
// over a fixed set of blocks.
type Destination struct {
	blocks  []BlockIO
	state   *pagestate.Store
	pending *pagestate.PendingClean
	sender  RequestSender
	cfg     DestinationConfig
	hs      handshake.Machine
}

// NewDestination constructs a Destination over blocks, sharing sender as
// the request channel to the source.
func NewDestination(blocks []BlockIO, sender RequestSender, cfg DestinationConfig) (*Destination, error) {
	defs := make([]*block.Block, 0, len(blocks))
	for _, b := range blocks {
		defs = append(defs, b.Def)
	}

	set, err := block.NewSet(defs)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	if cfg.Materializer == nil {
		cfg.Materializer = func(uint64) error { return nil }
	}

	return &Destination{
		blocks:  blocks,
		state:   pagestate.NewStore(set),
		pending: pagestate.NewPendingClean(set),
		sender:  sender,
		cfg:     cfg,
	}, nil
}

// eocBridge fans SetEOCPending out to both the request builder (so it
// stops requesting and emits EOC) and this engine's handshake machine
// (so it records that the peer's END-OF-STREAM marker has arrived).
type eocBridge struct {
	builder *reqbuilder.Builder
	hs      *handshake.Machine
}

func (e eocBridge) SetEOCPending() {
	e.builder.SetEOCPending()
	e.hs.ObservePeerMarker()
}

// Run drives every destination thread until the migration completes
// (EOC sent and every block finished) or ctx is cancelled.
func (d *Destination) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	builderBlocks := make([]reqbuilder.Block, 0, len(d.blocks))

	for _, b := range d.blocks {
		builderBlocks = append(builderBlocks, reqbuilder.Block{Def: b.Def, Store: b.Store})
	}

	builder := reqbuilder.New(builderBlocks, d.state, d.pending, d.sender)
	bridge := eocBridge{builder: builder, hs: &d.hs}

	readers := make(map[block.ID]*streamreader.Reader, len(d.blocks))

	for _, b := range d.blocks {
		bs := d.state.Get(b.Def.ID)
		reader := streamreader.New(b.Def, bs, b.Store, d.pending, bridge)
		readers[b.Def.ID] = reader

		leftover, err := d.loadPreamble(ctx, b, bs)
		if err != nil {
			return fmt.Errorf("engine: destination: %w", err)
		}

		if len(leftover) > 0 {
			if _, err := reader.Feed(leftover); err != nil {
				return fmt.Errorf("engine: destination: feed leftover for %s: %w", b.Def.ID, err)
			}
		}
	}

	for _, b := range d.blocks {
		b := b

		g.Go(func() error {
			return faultintake.Loop(ctx, b.Store, d.cfg.Materializer, d.cfg.Log)
		})

		g.Go(func() error {
			return d.runMigRead(ctx, b, readers[b.Def.ID])
		})
	}

	g.Go(func() error {
		return drainer.Run(ctx, d.pending, storeSet(d.blocks), d.cfg.Log, nil)
	})

	g.Go(func() error {
		err := d.runBuilder(ctx, builder)
		cancel()

		return err
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine: destination: %w", err)
	}

	return nil
}

func (d *Destination) runMigRead(ctx context.Context, b BlockIO, reader *streamreader.Reader) error {
	buf := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := b.PageStream.Read(buf)
		if n > 0 {
			if _, ferr := reader.Feed(buf[:n]); ferr != nil {
				return fmt.Errorf("engine: feed %s: %w", b.Def.ID, ferr)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("engine: read page stream for %s: %w", b.Def.ID, err)
		}
	}
}

// loadPreamble reads the INIT section off b.PageStream and, if the
// source set OptionPrecopy, the clean-bitmap preamble that follows it
// (spec §4.1, §4.6 "Precopy Clean-Bitmap Loader"): every host page the
// source reports clean has its covered target pages marked in bs.CleanW,
// then a one-shot mark_cached sweep is issued for those host pages so
// the guest never faults on memory precopy already proved unchanged
// (spec §8 end-to-end scenario 2). It runs once, synchronously, before
// Run starts the per-block read-loop goroutines, and returns any bytes
// already read past the preamble so the caller can hand them to the
// block's streamreader.Reader instead of losing them.
func (d *Destination) loadPreamble(ctx context.Context, b BlockIO, bs *pagestate.BlockState) ([]byte, error) {
	var buf streambuf.Buf

	readMore := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk := make([]byte, 64*1024)

		n, err := b.PageStream.Read(chunk)
		if n > 0 {
			buf.Append(chunk[:n])
		}

		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		return nil
	}

	subtype, payload, err := readSection(&buf, readMore)
	if err != nil {
		return nil, fmt.Errorf("%s: decode INIT section: %w", b.Def.ID, err)
	}

	if subtype != wire.SectionInit {
		return nil, fmt.Errorf("%s: expected INIT section, got subtype %d", b.Def.ID, subtype)
	}

	opts, err := wire.DecodeInitOptions(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: decode INIT options: %w", b.Def.ID, err)
	}

	if opts&wire.OptionPrecopy == 0 {
		return append([]byte(nil), buf.Bytes()...), nil
	}

	var cleanHostPgoffs []uint64

	for {
		rec, terminator, err := readCleanRecord(&buf, readMore)
		if err != nil {
			return nil, fmt.Errorf("%s: decode clean bitmap: %w", b.Def.ID, err)
		}

		if terminator {
			break
		}

		if rec.ID != string(b.Def.ID) {
			continue
		}

		cleanHostPgoffs = append(cleanHostPgoffs, applyCleanRecord(b.Def, bs, rec)...)
	}

	if len(cleanHostPgoffs) > 0 {
		if err := b.Store.MarkCachedBlocking(ctx, cleanHostPgoffs); err != nil {
			return nil, fmt.Errorf("%s: mark_cached clean-bitmap sweep: %w", b.Def.ID, err)
		}
	}

	return append([]byte(nil), buf.Bytes()...), nil
}

// readSection decodes one section envelope from buf, reading more from
// the stream via readMore whenever the header or payload is incomplete.
func readSection(buf *streambuf.Buf, readMore func() error) (subtype byte, payload []byte, err error) {
	for {
		subtype, payload, consumed, err := wire.DecodeSection(buf.Bytes())
		if err == nil {
			buf.Skip(consumed)

			return subtype, payload, nil
		}

		if !errors.Is(err, wire.ErrNeedMore) {
			return 0, nil, err
		}

		if err := readMore(); err != nil {
			return 0, nil, err
		}
	}
}

// readCleanRecord decodes one clean-bitmap record (or its terminator)
// from buf, reading more from the stream as needed.
func readCleanRecord(buf *streambuf.Buf, readMore func() error) (rec wire.CleanBitmapRecord, terminator bool, err error) {
	for {
		rec, terminator, consumed, err := wire.DecodeCleanBitmapRecord(buf.Bytes())
		if err == nil {
			buf.Skip(consumed)

			return rec, terminator, nil
		}

		if !errors.Is(err, wire.ErrNeedMore) {
			return wire.CleanBitmapRecord{}, false, err
		}

		if err := readMore(); err != nil {
			return wire.CleanBitmapRecord{}, false, err
		}
	}
}

// applyCleanRecord sets bs.CleanW for every target page covered by a
// host page the record reports clean, and returns those host-page
// offsets for the one-shot mark_cached sweep.
func applyCleanRecord(def *block.Block, bs *pagestate.BlockState, rec wire.CleanBitmapRecord) []uint64 {
	var hostPgoffs []uint64

	numHost := def.NumHostPages()

	for wordIdx, w := range rec.Words {
		for bit := 0; bit < 64 && w != 0; bit++ {
			if w&(1<<uint(bit)) == 0 {
				continue
			}

			w &^= 1 << uint(bit)

			hostPgoff := uint64(wordIdx)*64 + uint64(bit)
			if hostPgoff >= numHost {
				continue
			}

			for _, t := range def.TargetPagesForHost(hostPgoff) {
				bs.CleanW.Set(t)
			}

			hostPgoffs = append(hostPgoffs, hostPgoff)
		}
	}

	return hostPgoffs
}

func (d *Destination) runBuilder(ctx context.Context, builder *reqbuilder.Builder) error {
	ticker := time.NewTicker(builderTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		eocSent, err := builder.Tick()
		if err != nil {
			return fmt.Errorf("engine: request builder: %w", err)
		}

		if eocSent {
			d.hs.SendLocalMarker()
			d.pending.SetExit()

			if err := d.sender.Close(); err != nil {
				return fmt.Errorf("engine: close request channel: %w", err)
			}

			if d.cfg.Control != nil {
				if err := d.cfg.Control.Send(control.CmdQuit); err != nil {
					return fmt.Errorf("engine: signal control quit: %w", err)
				}
			}

			return nil
		}
	}
}

type storeSet []BlockIO

func (s storeSet) Get(id block.ID) backingstore.Store {
	for _, b := range s {
		if b.Def.ID == id {
			return b.Store
		}
	}

	return nil
}

// SourceConfig holds the Source's tunables.
type SourceConfig struct {
	outgoing.Config

	// Precopy, when set, runs a bounded precopy pass (writing the
	// clean-bitmap preamble to the page stream) before the post-copy
	// event loop starts (SPEC_FULL.md §4.10). DirtySource must be set
	// whenever Precopy is true.
	Precopy       bool
	PrecopyConfig precopy.Config
	DirtySource   precopy.DirtySource

	Log *logrus.Entry
}

// Source is the SOE side: the single C8 event loop, plus the C9
// handshake observed through the scheduler's state transitions.
type Source struct {
	blocks []*block.Block
	write  outgoing.WriteSide
	sched  *outgoing.Scheduler
	cfg    SourceConfig
}

// NewSource constructs a Source over blocks, reading requests from read,
// writing the page stream (and, if cfg.Precopy, a clean-bitmap preamble
// first) to write, and sourcing page bytes from src.
func NewSource(blocks []*block.Block, read outgoing.ReadSide, write outgoing.WriteSide, src outgoing.PageSource, cfg SourceConfig) *Source {
	sched := outgoing.New(blocks, read, write, src, cfg.Config)

	return &Source{blocks: blocks, write: write, sched: sched, cfg: cfg}
}

// Run writes the INIT section envelope (spec §4.1), optionally runs the
// precopy pass and its clean-bitmap preamble, then ticks the scheduler
// until it reaches COMPLETED or ERROR_RECEIVE, or ctx is cancelled. The
// INIT section is written unconditionally — with OptionPrecopy cleared
// when no precopy pass ran — so the destination always reads exactly
// one envelope before the raw page-record stream begins, regardless of
// whether precopy is enabled.
func (s *Source) Run(ctx context.Context) error {
	var opts uint64
	if s.cfg.Precopy {
		opts |= wire.OptionPrecopy
	}

	if _, err := s.write.Write(wire.EncodeInit(opts)); err != nil {
		return fmt.Errorf("engine: source: write INIT section: %w", err)
	}

	if s.cfg.Precopy {
		if err := precopy.Run(ctx, s.blocks, s.cfg.DirtySource, s.write, s.cfg.PrecopyConfig, s.cfg.Log); err != nil {
			return fmt.Errorf("engine: source: precopy: %w", err)
		}
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		switch s.sched.State() {
		case outgoing.StateCompleted:
			return nil
		case outgoing.StateErrorReceive:
			return fmt.Errorf("engine: source: %w", ErrSourceReceiveFailed)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.sched.Tick(); err != nil {
			return fmt.Errorf("engine: source: %w", err)
		}
	}
}

// DialRequestChannel is a convenience constructor wiring a net.Conn's
// halves into the Source's ReadSide/RequestSender pair, adapting the
// spec's fd-duplication requirement (independent blocking modes on two
// handles to one socket) to the portable net.Conn idiom: TryRead uses an
// immediate read deadline instead of an O_NONBLOCK duplicate (spec §4.8,
// §9 Design Notes).
func DialRequestChannel(conn net.Conn) (outgoing.ReadSide, RequestSender) {
	return &deadlineReadSide{conn: conn}, NewConnSender(conn)
}

type deadlineReadSide struct {
	conn net.Conn
	buf  [64 * 1024]byte
}

func (d *deadlineReadSide) TryRead() ([]byte, error) {
	if err := d.conn.SetReadDeadline(time.Now()); err != nil {
		return nil, fmt.Errorf("engine: set read deadline: %w", err)
	}

	n, err := d.conn.Read(d.buf[:])
	if n > 0 {
		out := make([]byte, n)
		copy(out, d.buf[:n])

		return out, nil
	}

	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil
		}

		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("engine: peer closed: %w", outgoing.ErrPeerClosed)
		}

		return nil, err
	}

	return nil, nil
}
