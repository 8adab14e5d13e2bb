package pagecodec_test

import (
	"bytes"
	"testing"

	"github.com/rivervm/postcopy/internal/pagecodec"
)

func TestPageRoundTrip(t *testing.T) {
	t.Parallel()

	page := bytes.Repeat([]byte{0xAB}, 4096)

	frame, err := pagecodec.EncodePage(17, page, 4096)
	if err != nil {
		t.Fatalf("EncodePage: %v", err)
	}

	rec, consumed, err := pagecodec.DecodeRecord(frame, 4096)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}

	if consumed != len(frame) {
		t.Fatalf("consumed = %d, want %d", consumed, len(frame))
	}

	if rec.Offset != 17 || rec.Flags&pagecodec.FlagPage == 0 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if !bytes.Equal(rec.Page, page) {
		t.Fatalf("page payload mismatch")
	}
}

func TestZeroRecordHasNoPayload(t *testing.T) {
	t.Parallel()

	frame := pagecodec.EncodeZero(3)

	rec, consumed, err := pagecodec.DecodeRecord(frame, 4096)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}

	if consumed != 8 {
		t.Fatalf("consumed = %d, want 8", consumed)
	}

	if rec.Flags&pagecodec.FlagZero == 0 || rec.Offset != 3 || rec.Page != nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestDecodeNeedsMoreOnPartialPagePayload(t *testing.T) {
	t.Parallel()

	page := bytes.Repeat([]byte{0x11}, 4096)

	frame, err := pagecodec.EncodePage(0, page, 4096)
	if err != nil {
		t.Fatalf("EncodePage: %v", err)
	}

	for i := 0; i < len(frame)-1; i++ {
		if _, _, err := pagecodec.DecodeRecord(frame[:i], 4096); err != pagecodec.ErrNeedMore {
			t.Fatalf("prefix %d: got %v, want ErrNeedMore", i, err)
		}
	}
}

func TestEndOfStreamMarker(t *testing.T) {
	t.Parallel()

	frame := pagecodec.EncodeEndOfStream()

	rec, consumed, err := pagecodec.DecodeRecord(frame, 4096)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}

	if consumed != 8 || rec.Flags&pagecodec.FlagEndOfStream == 0 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
