package outgoing_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rivervm/postcopy/internal/block"
	"github.com/rivervm/postcopy/internal/outgoing"
	"github.com/rivervm/postcopy/internal/pagecodec"
	"github.com/rivervm/postcopy/internal/wire"
)

// fakeReadSide hands back one pre-queued chunk per call, then empty
// reads, optionally ending in a peer-closed error.
type fakeReadSide struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (f *fakeReadSide) push(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.chunks = append(f.chunks, b)
}

func (f *fakeReadSide) TryRead() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.chunks) > 0 {
		c := f.chunks[0]
		f.chunks = f.chunks[1:]

		return c, nil
	}

	if f.closed {
		return nil, fmt.Errorf("closed: %w", outgoing.ErrPeerClosed)
	}

	return nil, nil
}

type fakeWriteSide struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeWriteSide) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := append([]byte(nil), p...)
	f.frames = append(f.frames, cp)

	return len(p), nil
}

func (f *fakeWriteSide) drain() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := f.frames
	f.frames = nil

	return out
}

type fakePageSource struct{}

func (fakePageSource) ReadPage(id block.ID, pgoff uint64) ([]byte, error) {
	page := make([]byte, 4096)
	page[0] = byte(pgoff)

	return page, nil
}

func mustBlock(t *testing.T, id string, numPages uint64) *block.Block {
	t.Helper()

	b, err := block.New(id, 0, numPages*4096, 4096, 4096)
	if err != nil {
		t.Fatalf("block.New: %v", err)
	}

	return b
}

func decodePages(t *testing.T, frames [][]byte, pageSize uint64) []uint64 {
	t.Helper()

	var offs []uint64

	for _, f := range frames {
		rec, consumed, err := pagecodec.DecodeRecord(f, pageSize)
		if err != nil {
			t.Fatalf("DecodeRecord: %v", err)
		}

		if consumed != len(f) {
			t.Fatalf("expected frame fully consumed, got %d of %d", consumed, len(f))
		}

		if rec.Flags&pagecodec.FlagPage != 0 {
			offs = append(offs, rec.Offset)
		}
	}

	return offs
}

func TestServicePageSendsRequestedPageOnce(t *testing.T) {
	t.Parallel()

	blk := mustBlock(t, "ram0", 16)
	read := &fakeReadSide{}
	write := &fakeWriteSide{}

	sched := outgoing.New([]*block.Block{blk}, read, write, fakePageSource{}, outgoing.Config{})

	frame, err := wire.EncodePage(string(blk.ID), []uint64{5})
	if err != nil {
		t.Fatalf("EncodePage: %v", err)
	}

	read.push(frame)

	if err := sched.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	offs := decodePages(t, write.drain(), blk.TargetPageSize)
	if len(offs) != 1 || offs[0] != 5 {
		t.Fatalf("expected a single page 5 sent, got %v", offs)
	}

	// Re-request the same page: duplicate-suppression means no resend.
	frame2, _ := wire.EncodePage(string(blk.ID), []uint64{5})
	read.push(frame2)

	if err := sched.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if frames := write.drain(); len(frames) != 0 {
		t.Fatalf("expected no resend of an already-sent page, got %d frames", len(frames))
	}
}

func TestServicePageAppliesPrefaultWindow(t *testing.T) {
	t.Parallel()

	blk := mustBlock(t, "ram0", 16)
	read := &fakeReadSide{}
	write := &fakeWriteSide{}

	cfg := outgoing.Config{PrefaultForward: 2, PrefaultBackward: 1}
	sched := outgoing.New([]*block.Block{blk}, read, write, fakePageSource{}, cfg)

	frame, _ := wire.EncodePage(string(blk.ID), []uint64{10})
	read.push(frame)

	if err := sched.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	offs := decodePages(t, write.drain(), blk.TargetPageSize)

	want := map[uint64]bool{9: true, 10: true, 11: true, 12: true}
	if len(offs) != len(want) {
		t.Fatalf("expected %d pages (requested + prefault window), got %v", len(want), offs)
	}

	for _, o := range offs {
		if !want[o] {
			t.Fatalf("unexpected page %d sent outside prefault window", o)
		}
	}
}

func TestEOCAfterAllSentCompletes(t *testing.T) {
	t.Parallel()

	blk := mustBlock(t, "ram0", 1)
	read := &fakeReadSide{}
	write := &fakeWriteSide{}

	sched := outgoing.New([]*block.Block{blk}, read, write, fakePageSource{}, outgoing.Config{})

	pageFrame, _ := wire.EncodePage(string(blk.ID), []uint64{0})
	read.push(pageFrame)

	if err := sched.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	read.push(wire.EncodeEOC())

	if err := sched.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if sched.State() != outgoing.StateCompleted {
		t.Fatalf("expected StateCompleted, got %v", sched.State())
	}
}

func TestEOCBeforeAllSentWaitsThenNoMorePagesSent(t *testing.T) {
	t.Parallel()

	blk := mustBlock(t, "ram0", 4)
	read := &fakeReadSide{}
	write := &fakeWriteSide{}

	sched := outgoing.New([]*block.Block{blk}, read, write, fakePageSource{}, outgoing.Config{})

	read.push(wire.EncodeEOC())

	if err := sched.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if sched.State() != outgoing.StateEOCReceived {
		t.Fatalf("expected StateEOCReceived, got %v", sched.State())
	}

	// A request arriving after EOC must not produce any output.
	frame, _ := wire.EncodePage(string(blk.ID), []uint64{1})
	read.push(frame)

	if err := sched.Tick(); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if frames := write.drain(); len(frames) != 0 {
		t.Fatalf("expected no pages sent after EOC_RECEIVED, got %d", len(frames))
	}
}

func TestPeerClosedBeforeMarkerIsError(t *testing.T) {
	t.Parallel()

	blk := mustBlock(t, "ram0", 1)
	read := &fakeReadSide{closed: true}
	write := &fakeWriteSide{}

	sched := outgoing.New([]*block.Block{blk}, read, write, fakePageSource{}, outgoing.Config{})

	err := sched.Tick()
	if err == nil {
		t.Fatalf("expected error when peer closes before its marker")
	}

	if sched.State() != outgoing.StateErrorReceive {
		t.Fatalf("expected StateErrorReceive, got %v", sched.State())
	}
}

func TestUnknownCommandIsProtocolError(t *testing.T) {
	t.Parallel()

	blk := mustBlock(t, "ram0", 1)
	read := &fakeReadSide{}
	write := &fakeWriteSide{}

	sched := outgoing.New([]*block.Block{blk}, read, write, fakePageSource{}, outgoing.Config{})

	read.push([]byte{0x7f})

	err := sched.Tick()
	if !errors.Is(err, outgoing.ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestBackgroundSendWithoutRequestsReachesAllPagesSent(t *testing.T) {
	t.Parallel()

	blk := mustBlock(t, "ram0", 4)
	read := &fakeReadSide{}
	write := &fakeWriteSide{}

	cfg := outgoing.Config{BackgroundEnabled: true, RateLimiter: outgoing.NewRateLimiter(1e9, 1e9)}
	sched := outgoing.New([]*block.Block{blk}, read, write, fakePageSource{}, cfg)

	for i := 0; i < 8 && sched.State() == outgoing.StateActive; i++ {
		if err := sched.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}

	if sched.State() != outgoing.StateAllPagesSent {
		t.Fatalf("expected StateAllPagesSent, got %v", sched.State())
	}

	offs := decodePages(t, write.drain(), blk.TargetPageSize)
	if len(offs) != int(blk.NumTargetPages()) {
		t.Fatalf("expected all %d pages sent in background, got %d", blk.NumTargetPages(), len(offs))
	}
}
