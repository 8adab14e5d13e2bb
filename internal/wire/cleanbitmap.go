package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CleanBitmapRecord is one block's entry in the clean-bitmap preamble
// sent once, source to destination, when precopy ran (spec §4.1).
//
// Words holds the bitmap already decoded into host-order uint64s, each
// word's bits already complemented so that a set bit means "clean, no
// transfer needed" (the wire payload carries the complement of the
// source's dirty bitmap).
type CleanBitmapRecord struct {
	ID     string
	Offset uint64
	Length uint64
	Words  []uint64
}

var ErrBitmapLenNotMult8 = errors.New("wire: bitmap length not a multiple of 8")

// EncodeCleanBitmapRecord encodes one preamble record. Words are written
// in the host's native byte order (little-endian here, matching the
// x86/x86_64 hosts this protocol was designed for — see spec §9 on
// clean-bitmap endianness).
func EncodeCleanBitmapRecord(rec CleanBitmapRecord) ([]byte, error) {
	if len(rec.ID) > 255 {
		return nil, fmt.Errorf("%w: %d", ErrIDTooLong, len(rec.ID))
	}

	bitmapBytes := make([]byte, 8*len(rec.Words))
	for i, w := range rec.Words {
		binary.LittleEndian.PutUint64(bitmapBytes[i*8:], w)
	}

	buf := make([]byte, 0, 1+len(rec.ID)+8+8+8+len(bitmapBytes))
	buf = append(buf, byte(len(rec.ID)))
	buf = append(buf, rec.ID...)
	buf = appendU64(buf, rec.Offset)
	buf = appendU64(buf, rec.Length)
	buf = appendU64(buf, uint64(len(bitmapBytes)))
	buf = append(buf, bitmapBytes...)

	return buf, nil
}

// EncodeCleanBitmapTerminator returns the all-zero terminator record.
func EncodeCleanBitmapTerminator() []byte {
	buf := make([]byte, 1+8+8+8)

	return buf
}

// DecodeCleanBitmapRecord decodes one preamble record (or the
// terminator) from the front of buf.
func DecodeCleanBitmapRecord(buf []byte) (rec CleanBitmapRecord, terminator bool, consumed int, err error) {
	if len(buf) < 1 {
		return CleanBitmapRecord{}, false, 0, ErrNeedMore
	}

	idLen := int(buf[0])
	off := 1 + idLen

	if len(buf) < off+24 {
		return CleanBitmapRecord{}, false, 0, ErrNeedMore
	}

	id := string(buf[1:off])
	offset := binary.BigEndian.Uint64(buf[off:])
	length := binary.BigEndian.Uint64(buf[off+8:])
	bitmapBytes := binary.BigEndian.Uint64(buf[off+16:])
	off += 24

	if idLen == 0 && offset == 0 && length == 0 && bitmapBytes == 0 {
		return CleanBitmapRecord{}, true, off, nil
	}

	if bitmapBytes%8 != 0 {
		return CleanBitmapRecord{}, false, 0, fmt.Errorf("%w: %d", ErrBitmapLenNotMult8, bitmapBytes)
	}

	need := off + int(bitmapBytes)
	if len(buf) < need {
		return CleanBitmapRecord{}, false, 0, ErrNeedMore
	}

	words := make([]uint64, bitmapBytes/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[off+i*8:])
	}

	return CleanBitmapRecord{ID: id, Offset: offset, Length: length, Words: words}, false, need, nil
}
