package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rivervm/postcopy/internal/wire"
)

func TestRoundTripPage(t *testing.T) {
	t.Parallel()

	frame, err := wire.EncodePage("ram0", []uint64{1, 2, 3})
	require.NoError(t, err)

	req, consumed, err := wire.DecodeRequest(frame)
	require.NoError(t, err)
	require.Equal(t, len(frame), consumed)

	require.Equal(t, wire.CmdPage, req.Cmd)
	require.Equal(t, "ram0", req.ID)
	require.Len(t, req.PgOffs, 3)
}

func TestDecodeNeedsMoreOnPartialFrame(t *testing.T) {
	t.Parallel()

	frame, err := wire.EncodePage("ram0", []uint64{1, 2, 3})
	require.NoError(t, err)

	for i := 0; i < len(frame); i++ {
		_, _, err := wire.DecodeRequest(frame[:i])
		require.ErrorIsf(t, err, wire.ErrNeedMore, "at prefix %d", i)
	}
}

func TestDecodeDoesNotConsumeOnNeedMore(t *testing.T) {
	t.Parallel()

	frame, err := wire.EncodePage("ram0", []uint64{1})
	require.NoError(t, err)

	partial := frame[:len(frame)-1]

	_, consumed, err := wire.DecodeRequest(partial)
	require.ErrorIs(t, err, wire.ErrNeedMore)
	require.Zero(t, consumed)
}

func TestEOC(t *testing.T) {
	t.Parallel()

	req, consumed, err := wire.DecodeRequest(wire.EncodeEOC())
	require.NoError(t, err)
	require.Equal(t, wire.CmdEOC, req.Cmd)
	require.Equal(t, 1, consumed)
}

func TestSplitPageRequestExactlyMaxPageNR(t *testing.T) {
	t.Parallel()

	pgoffs := make([]uint64, wire.MaxPageNR)
	for i := range pgoffs {
		pgoffs[i] = uint64(i)
	}

	frames, err := wire.SplitPageRequest("ram0", pgoffs)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.LessOrEqual(t, len(frames[0]), wire.MaxFrameBytes)
}

func TestSplitPageRequestOverflowsIntoPageCont(t *testing.T) {
	t.Parallel()

	pgoffs := make([]uint64, wire.MaxPageNR+1)
	for i := range pgoffs {
		pgoffs[i] = uint64(i)
	}

	frames, err := wire.SplitPageRequest("ram0", pgoffs)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	first, _, err := wire.DecodeRequest(frames[0])
	require.NoError(t, err)
	require.Equal(t, wire.CmdPage, first.Cmd)
	require.Len(t, first.PgOffs, wire.MaxPageNR)

	second, _, err := wire.DecodeRequest(frames[1])
	require.NoError(t, err)
	require.Equal(t, wire.CmdPageCont, second.Cmd)
	require.Len(t, second.PgOffs, 1)
}

func TestCleanBitmapRoundTrip(t *testing.T) {
	t.Parallel()

	rec := wire.CleanBitmapRecord{
		ID:     "ram0",
		Offset: 0,
		Length: 4096 * 64,
		Words:  []uint64{0xFFFFFFFFFFFFFFFF, 0},
	}

	frame, err := wire.EncodeCleanBitmapRecord(rec)
	require.NoError(t, err)

	got, terminator, consumed, err := wire.DecodeCleanBitmapRecord(frame)
	require.NoError(t, err)
	require.False(t, terminator)
	require.Equal(t, len(frame), consumed)

	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.Offset, got.Offset)
	require.Equal(t, rec.Length, got.Length)
	require.Equal(t, rec.Words, got.Words)
}

func TestCleanBitmapTerminator(t *testing.T) {
	t.Parallel()

	_, terminator, consumed, err := wire.DecodeCleanBitmapRecord(wire.EncodeCleanBitmapTerminator())
	require.NoError(t, err)
	require.True(t, terminator)
	require.Equal(t, 25, consumed)
}

func TestSectionInitRoundTrip(t *testing.T) {
	t.Parallel()

	frame := wire.EncodeInit(wire.OptionPrecopy)

	subtype, payload, consumed, err := wire.DecodeSection(frame)
	require.NoError(t, err)
	require.Equal(t, wire.SectionInit, subtype)
	require.Equal(t, len(frame), consumed)

	opts, err := wire.DecodeInitOptions(payload)
	require.NoError(t, err)
	require.Equal(t, wire.OptionPrecopy, opts)
}

func TestSectionFullRejectsOversizePayload(t *testing.T) {
	t.Parallel()

	_, err := wire.EncodeFull(make([]byte, wire.MaxFullPayload+1))
	require.Error(t, err)
}
