package streambuf_test

import (
	"testing"

	"github.com/rivervm/postcopy/internal/streambuf"
	"github.com/rivervm/postcopy/internal/wire"
)

func TestPeekThenCommitAcrossPartialFills(t *testing.T) {
	t.Parallel()

	frame, err := wire.EncodePage("ram0", []uint64{7, 8, 9})
	if err != nil {
		t.Fatalf("EncodePage: %v", err)
	}

	var buf streambuf.Buf

	// Feed the frame one byte at a time, simulating short reads across
	// select edges; decode must never consume on ErrNeedMore.
	for i, b := range frame {
		buf.Append([]byte{b})

		req, consumed, err := wire.DecodeRequest(buf.Bytes())
		if i < len(frame)-1 {
			if err != wire.ErrNeedMore {
				t.Fatalf("byte %d: got err=%v, want ErrNeedMore", i, err)
			}

			continue
		}

		if err != nil {
			t.Fatalf("final byte: DecodeRequest error: %v", err)
		}

		buf.Skip(consumed)

		if buf.Len() != 0 {
			t.Fatalf("buffer should be empty after Skip, got %d bytes left", buf.Len())
		}

		if req.ID != "ram0" || len(req.PgOffs) != 3 {
			t.Fatalf("unexpected request: %+v", req)
		}
	}
}

func TestSkipLeavesTrailingBytes(t *testing.T) {
	t.Parallel()

	var buf streambuf.Buf

	buf.Append(wire.EncodeEOC())
	buf.Append([]byte{0xAA, 0xBB})

	_, consumed, err := wire.DecodeRequest(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	buf.Skip(consumed)

	if buf.Len() != 2 || buf.Bytes()[0] != 0xAA {
		t.Fatalf("leftover bytes = %v, want [0xAA 0xBB]", buf.Bytes())
	}
}
