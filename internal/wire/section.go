package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Post-copy section subtypes (spec §4.1 "Post-copy section envelope").
const (
	SectionInit byte = 0
	SectionFull byte = 1
)

// OptionPrecopy is the only currently-defined bit of the INIT option mask.
const OptionPrecopy uint64 = 1 << 0

// MaxFullPayload bounds the FULL section's non-RAM device-state payload.
const MaxFullPayload = 16 << 20

var ErrFullPayloadTooLarge = errors.New("wire: FULL section payload exceeds 16 MiB")

// EncodeInit encodes a SectionInit envelope carrying the option mask.
func EncodeInit(options uint64) []byte {
	buf := make([]byte, 0, 1+4+8)
	buf = append(buf, SectionInit)
	buf = appendU32(buf, 8)
	buf = appendU64(buf, options)

	return buf
}

// EncodeFull encodes a SectionFull envelope carrying the device-state
// payload verbatim.
func EncodeFull(payload []byte) ([]byte, error) {
	if len(payload) > MaxFullPayload {
		return nil, fmt.Errorf("%w: %d", ErrFullPayloadTooLarge, len(payload))
	}

	buf := make([]byte, 0, 1+4+len(payload))
	buf = append(buf, SectionFull)
	buf = appendU32(buf, uint32(len(payload)))
	buf = append(buf, payload...)

	return buf, nil
}

// DecodeSection decodes one section envelope (header + payload) from the
// front of buf.
func DecodeSection(buf []byte) (subtype byte, payload []byte, consumed int, err error) {
	if len(buf) < 5 {
		return 0, nil, 0, ErrNeedMore
	}

	subtype = buf[0]
	length := binary.BigEndian.Uint32(buf[1:5])

	if subtype == SectionFull && length > MaxFullPayload {
		return 0, nil, 0, fmt.Errorf("%w: %d", ErrFullPayloadTooLarge, length)
	}

	need := 5 + int(length)
	if len(buf) < need {
		return 0, nil, 0, ErrNeedMore
	}

	payload = buf[5:need]

	return subtype, payload, need, nil
}

// DecodeInitOptions extracts the option mask from a decoded INIT payload.
func DecodeInitOptions(payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("wire: INIT payload must be 8 bytes, got %d", len(payload))
	}

	return binary.BigEndian.Uint64(payload), nil
}
