// Package streambuf implements the "peek-then-commit" read buffer called
// for in spec §9 Design Notes: a connection's unread bytes are modeled as
// an explicit object supporting append (fill from the fd) and skip
// (commit after a full message decodes), so a partial message never
// leaves a decoder's cursor in an inconsistent state across select edges.
package streambuf

// Buf accumulates bytes read from a non-blocking fd and lets a decoder
// peek at them without consuming anything until Skip is called.
type Buf struct {
	data []byte
}

// Append adds freshly-read bytes to the buffer.
func (b *Buf) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Bytes returns the currently buffered, unconsumed bytes.
func (b *Buf) Bytes() []byte { return b.data }

// Len reports how many unconsumed bytes are buffered.
func (b *Buf) Len() int { return len(b.data) }

// Skip discards the first n bytes, committing a successful decode.
func (b *Buf) Skip(n int) {
	if n <= 0 {
		return
	}

	if n >= len(b.data) {
		b.data = b.data[:0]

		return
	}

	copy(b.data, b.data[n:])
	b.data = b.data[:len(b.data)-n]
}
