// Package handshake implements C9, the termination handshake shared by
// both the source and the destination: two half-closes — END-OF-STREAM
// from the source and EOC from the destination — must each be observed
// before that side closes its write half, and a peer that closes early
// is a protocol error (spec §4.9).
package handshake

import (
	"errors"
	"sync"
)

// ErrPeerClosedEarly is returned once the peer's connection closes
// before its complementary marker was observed (spec §7 PeerClosedEarly).
var ErrPeerClosedEarly = errors.New("handshake: peer closed before its marker")

// Machine tracks one side's half of the handshake: whether this side
// has sent its own marker (EOC on the destination, END-OF-STREAM on the
// source) and whether the peer's marker has been observed.
type Machine struct {
	mu sync.Mutex

	localMarkerSent    bool
	peerMarkerObserved bool
	peerClosed         bool
	err                error
}

// SendLocalMarker records that this side has emitted its marker. It is
// idempotent: calling it twice reports the marker was already sent so
// callers don't re-emit the frame.
func (m *Machine) SendLocalMarker() (alreadySent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alreadySent = m.localMarkerSent
	m.localMarkerSent = true

	return alreadySent
}

// LocalMarkerSent reports whether this side has already sent its marker.
func (m *Machine) LocalMarkerSent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.localMarkerSent
}

// ObservePeerMarker records that the peer's marker arrived.
func (m *Machine) ObservePeerMarker() {
	m.mu.Lock()
	m.peerMarkerObserved = true
	m.mu.Unlock()
}

// PeerMarkerObserved reports whether the peer's marker has arrived.
func (m *Machine) PeerMarkerObserved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.peerMarkerObserved
}

// ObservePeerClosed records that the peer's connection closed. If the
// peer's marker had not yet been observed, this latches
// ErrPeerClosedEarly (spec §4.9: "closure of the peer before the
// complementary marker is an error").
func (m *Machine) ObservePeerClosed() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peerClosed = true

	if !m.peerMarkerObserved {
		m.err = ErrPeerClosedEarly
	}

	return m.err
}

// Err returns any latched error (currently only ErrPeerClosedEarly).
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.err
}

// Complete reports whether both halves of the handshake have met: this
// side has sent its marker and the peer's marker has been observed.
func (m *Machine) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.localMarkerSent && m.peerMarkerObserved && m.err == nil
}
