// Package pagecodec implements the minimal per-page record codec that
// spec §4.5 delegates to "the external page codec": a RAW record
// carrying a full page of bytes and a ZERO record carrying none. It is
// a stand-in for the real RAM codec's compression/XBZRLE machinery,
// which spec.md marks out of scope, following the framing style of
// migration/transport.go's [type][length][payload] records adapted to
// per-page granularity.
//
// Each record's header packs the flag bits into the low bits of a
// big-endian u64, with the target-page-aligned block-relative offset in
// the remaining bits, exactly as spec §4.5 describes for RAM-save
// records.
package pagecodec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Flag bits occupy the low bits of the record header word (spec §4.5).
// Only the subset needed to exercise the stream reader end-to-end is
// implemented; MemSize/Hook/Continue/EndOfStream are recognized but
// carry no page payload of their own.
const (
	FlagMemSize     uint64 = 1 << 0
	FlagPage        uint64 = 1 << 1
	FlagZero        uint64 = 1 << 2
	FlagHook        uint64 = 1 << 3
	FlagContinue    uint64 = 1 << 4
	FlagEndOfStream uint64 = 1 << 5

	flagMask   = uint64(0x3f)
	offsetBits = 6
)

var (
	ErrUnknownFlags = errors.New("pagecodec: record has no recognized flag bits")
	ErrShortPayload = errors.New("pagecodec: page payload shorter than page size")
)

// Record is one decoded RAM-save record.
type Record struct {
	Flags  uint64
	Offset uint64 // block-relative, target-page-aligned
	Page   []byte // present only when Flags&FlagPage != 0
}

// EncodeMemSize encodes the initial block-manifest record (spec §4.5
// MEM_SIZE): offset carries the block's total length instead of a page
// offset, per the original protocol's manifest convention.
func EncodeMemSize(length uint64) []byte {
	return header(FlagMemSize, length)
}

// EncodeHook encodes a transport-hook marker record.
func EncodeHook() []byte {
	return header(FlagHook, 0)
}

// EncodeEndOfStream encodes the phase-boundary marker (spec §4.5, §4.9).
func EncodeEndOfStream() []byte {
	return header(FlagEndOfStream, 0)
}

// EncodePage encodes one RAW page record: a full pageSize payload at the
// given block-relative target-page offset.
func EncodePage(offset uint64, page []byte, pageSize uint64) ([]byte, error) {
	if uint64(len(page)) < pageSize {
		return nil, fmt.Errorf("%w: got %d want %d", ErrShortPayload, len(page), pageSize)
	}

	buf := header(FlagPage, offset)

	return append(buf, page[:pageSize]...), nil
}

// EncodeZero encodes a ZERO page record: no payload, the destination
// must materialize a page of zeros.
func EncodeZero(offset uint64) []byte {
	return header(FlagZero, offset)
}

func header(flags, offset uint64) []byte {
	word := (offset << offsetBits) | (flags & flagMask)

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, word)

	return buf
}

// DecodeRecord decodes one record's header and, for PAGE records, its
// pageSize-byte payload, from the front of buf. On an incomplete record
// it returns pagecodec.ErrNeedMore without consuming anything, mirroring
// the wire package's peek-then-commit discipline (spec §9).
func DecodeRecord(buf []byte, pageSize uint64) (rec Record, consumed int, err error) {
	if len(buf) < 8 {
		return Record{}, 0, ErrNeedMore
	}

	word := binary.BigEndian.Uint64(buf)
	flags := word & flagMask
	offset := word >> offsetBits

	if flags == 0 {
		return Record{}, 0, ErrUnknownFlags
	}

	if flags&FlagPage == 0 {
		return Record{Flags: flags, Offset: offset}, 8, nil
	}

	need := 8 + int(pageSize)
	if len(buf) < need {
		return Record{}, 0, ErrNeedMore
	}

	page := make([]byte, pageSize)
	copy(page, buf[8:need])

	return Record{Flags: flags, Offset: offset, Page: page}, need, nil
}

// ErrNeedMore mirrors wire.ErrNeedMore for this package's own records,
// kept distinct so callers can tell which decoder asked for more bytes.
var ErrNeedMore = errors.New("pagecodec: need more data")
