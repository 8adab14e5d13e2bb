// Package wire implements the C1 wire codec: request framing between the
// destination (DIE) and the source (SOE), the clean-bitmap preamble, and
// the post-copy section envelope. All multi-byte integers are big-endian
// (spec §6) except the clean-bitmap words, which are transmitted in the
// sender's native word order (spec §9).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command bytes for the DIE->SOE request protocol (spec §4.1).
const (
	CmdEOC      byte = 0
	CmdPage     byte = 1
	CmdPageCont byte = 2
)

const (
	// MaxFrameBytes is the largest a single framed request may be.
	MaxFrameBytes = 32768

	// maxPageHeaderBytes accounts for cmd(1) + idlen(1) + idstr(up to 255)
	// + n(4) overhead that a PAGE frame pays beyond its pgoff payload.
	maxPageHeaderBytes = 1 + 1 + 255 + 4 // 261, spec quotes 260; see MaxPageNR below.

	// MaxPageNR is the largest pgoffs slice that fits in one frame after
	// header overhead, per spec §4.1: (32768 - 260) / 8 = 4063.
	MaxPageNR = (MaxFrameBytes - 260) / 8
)

// ErrNeedMore signals that buf does not yet contain a complete frame; the
// caller must wait for more bytes and retry without consuming anything
// (the "peek-then-commit" parse discipline, spec §9 Design Notes).
var ErrNeedMore = errors.New("wire: need more data")

var (
	ErrUnknownCmd     = errors.New("wire: unknown command byte")
	ErrIDTooLong      = errors.New("wire: block id longer than 255 bytes")
	ErrTooManyOffsets = errors.New("wire: too many page offsets for one frame")
)

// Request is a single decoded DIE->SOE message.
type Request struct {
	Cmd    byte
	ID     string   // populated only for CmdPage
	PgOffs []uint64 // empty for CmdEOC
}

// EncodeEOC returns the one-byte EOC frame.
func EncodeEOC() []byte { return []byte{CmdEOC} }

// EncodePage encodes a single PAGE frame. Callers must pre-split bursts
// larger than MaxPageNR using SplitPageRequest.
func EncodePage(id string, pgoffs []uint64) ([]byte, error) {
	if len(id) > 255 {
		return nil, fmt.Errorf("%w: %d", ErrIDTooLong, len(id))
	}

	if len(pgoffs) > MaxPageNR {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyOffsets, len(pgoffs), MaxPageNR)
	}

	buf := make([]byte, 0, 1+1+len(id)+4+8*len(pgoffs))
	buf = append(buf, CmdPage, byte(len(id)))
	buf = append(buf, id...)
	buf = appendU32(buf, uint32(len(pgoffs)))

	for _, p := range pgoffs {
		buf = appendU64(buf, p)
	}

	return buf, nil
}

// EncodePageCont encodes a PAGE_CONT frame, reusing the last block named
// by a prior PAGE frame on this connection.
func EncodePageCont(pgoffs []uint64) ([]byte, error) {
	if len(pgoffs) > MaxPageNR {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyOffsets, len(pgoffs), MaxPageNR)
	}

	buf := make([]byte, 0, 1+4+8*len(pgoffs))
	buf = append(buf, CmdPageCont)
	buf = appendU32(buf, uint32(len(pgoffs)))

	for _, p := range pgoffs {
		buf = appendU64(buf, p)
	}

	return buf, nil
}

// SplitPageRequest splits pgoffs into one or more wire-ready frames: the
// first as PAGE (carrying id), and any remainder chunked into PAGE_CONT
// frames of up to MaxPageNR offsets each (spec §4.1).
func SplitPageRequest(id string, pgoffs []uint64) ([][]byte, error) {
	if len(pgoffs) == 0 {
		frame, err := EncodePage(id, nil)
		if err != nil {
			return nil, err
		}

		return [][]byte{frame}, nil
	}

	var frames [][]byte

	first := pgoffs
	if len(first) > MaxPageNR {
		first = pgoffs[:MaxPageNR]
	}

	frame, err := EncodePage(id, first)
	if err != nil {
		return nil, err
	}

	frames = append(frames, frame)

	rest := pgoffs[len(first):]
	for len(rest) > 0 {
		chunk := rest
		if len(chunk) > MaxPageNR {
			chunk = rest[:MaxPageNR]
		}

		frame, err := EncodePageCont(chunk)
		if err != nil {
			return nil, err
		}

		frames = append(frames, frame)
		rest = rest[len(chunk):]
	}

	return frames, nil
}

// DecodeRequest attempts to decode one Request from the front of buf. On
// success it returns the number of bytes consumed. If buf holds an
// incomplete frame, it returns ErrNeedMore and consumed=0; buf is never
// partially consumed on failure.
func DecodeRequest(buf []byte) (req Request, consumed int, err error) {
	if len(buf) < 1 {
		return Request{}, 0, ErrNeedMore
	}

	switch buf[0] {
	case CmdEOC:
		return Request{Cmd: CmdEOC}, 1, nil

	case CmdPage:
		return decodePage(buf)

	case CmdPageCont:
		return decodePageCont(buf)

	default:
		return Request{}, 0, fmt.Errorf("%w: %d", ErrUnknownCmd, buf[0])
	}
}

func decodePage(buf []byte) (Request, int, error) {
	if len(buf) < 2 {
		return Request{}, 0, ErrNeedMore
	}

	idLen := int(buf[1])
	off := 2 + idLen

	if len(buf) < off+4 {
		return Request{}, 0, ErrNeedMore
	}

	id := string(buf[2:off])
	n := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4

	need := off + 8*n
	if len(buf) < need {
		return Request{}, 0, ErrNeedMore
	}

	pgoffs := make([]uint64, n)
	for i := 0; i < n; i++ {
		pgoffs[i] = binary.BigEndian.Uint64(buf[off+8*i:])
	}

	return Request{Cmd: CmdPage, ID: id, PgOffs: pgoffs}, need, nil
}

func decodePageCont(buf []byte) (Request, int, error) {
	if len(buf) < 5 {
		return Request{}, 0, ErrNeedMore
	}

	n := int(binary.BigEndian.Uint32(buf[1:5]))

	need := 5 + 8*n
	if len(buf) < need {
		return Request{}, 0, ErrNeedMore
	}

	pgoffs := make([]uint64, n)
	for i := 0; i < n; i++ {
		pgoffs[i] = binary.BigEndian.Uint64(buf[5+8*i:])
	}

	return Request{Cmd: CmdPageCont, PgOffs: pgoffs}, need, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte

	binary.BigEndian.PutUint32(tmp[:], v)

	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte

	binary.BigEndian.PutUint64(tmp[:], v)

	return append(buf, tmp[:]...)
}
