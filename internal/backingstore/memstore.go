package backingstore

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory simulated backing store: a plain byte slice
// plus a cached-bitmap and a bounded "wake pipe" channel used to model
// backpressure (ErrWouldBlock) deterministically in tests. It implements
// the same Store contract a real userfaultfd-backed store would.
type MemStore struct {
	mu           sync.Mutex
	hostPageSize uint64
	numPages     uint64
	mem          []byte
	cached       []bool

	pendingFaults []uint64

	// rawFaults delivers a host page offset the instant the simulated
	// guest touches an uncached page — the analogue of the raw
	// userfaultfd notification faultintake.Source.ReadFault blocks on,
	// before the forced benign read that turns it into a NotePending
	// entry (spec §4.3).
	rawFaults chan uint64

	wakeCh chan uint64
}

// NewMemStore allocates a store of numPages host pages of hostPageSize
// bytes each, with a wake-pipe of the given capacity (in host-page
// wake-up slots — analogous to PIPE_BUF/8).
func NewMemStore(numPages int, hostPageSize uint64, wakeCapacity int) *MemStore {
	return &MemStore{
		hostPageSize: hostPageSize,
		numPages:     uint64(numPages),
		mem:          make([]byte, uint64(numPages)*hostPageSize),
		cached:       make([]bool, numPages),
		rawFaults:    make(chan uint64, numPages),
		wakeCh:       make(chan uint64, wakeCapacity),
	}
}

// Touch simulates the guest faulting on hostPgoff: if not already
// cached, a raw fault notification is queued for ReadFault.
func (m *MemStore) Touch(hostPgoff uint64) {
	m.mu.Lock()
	cached := m.cached[hostPgoff]
	m.mu.Unlock()

	if cached {
		return
	}

	m.rawFaults <- hostPgoff
}

// ReadFault blocks until a simulated guest fault arrives or ctx is done,
// satisfying faultintake.Source for tests.
func (m *MemStore) ReadFault(ctx context.Context) (uint64, bool, error) {
	select {
	case p := <-m.rawFaults:
		return p, true, nil
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}

// NotePending queues hostPgoff as a forwarded fault, mirroring
// UFFDStore.NotePending: the faultintake loop calls this after its
// benign-read step converts a raw notification into a demand the
// request builder will drain via PendingFaults.
func (m *MemStore) NotePending(hostPgoff uint64) {
	m.mu.Lock()
	m.pendingFaults = append(m.pendingFaults, hostPgoff)
	m.mu.Unlock()
}

func (m *MemStore) Map(uintptr, int) error       { return nil }
func (m *MemStore) Unmark(hostAddr uintptr, length int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	first := uint64(hostAddr) / m.hostPageSize
	n := uint64(length) / m.hostPageSize

	for i := first; i < first+n && i < m.numPages; i++ {
		m.cached[i] = false
	}

	return nil
}

func (m *MemStore) PendingFaults() ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.pendingFaults
	m.pendingFaults = nil

	return out, nil
}

func (m *MemStore) WritePage(hostPgoff uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hostPgoff >= m.numPages {
		return fmt.Errorf("backingstore: page %d out of range", hostPgoff)
	}

	off := hostPgoff * m.hostPageSize
	n := copy(m.mem[off:off+m.hostPageSize], data)

	if uint64(n) != m.hostPageSize && uint64(len(data)) >= m.hostPageSize {
		return fmt.Errorf("backingstore: short write for page %d", hostPgoff)
	}

	return nil
}

// Page returns a copy of the current bytes of hostPgoff, for test
// assertions.
func (m *MemStore) Page(hostPgoff uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	off := hostPgoff * m.hostPageSize
	out := make([]byte, m.hostPageSize)
	copy(out, m.mem[off:off+m.hostPageSize])

	return out
}

func (m *MemStore) MarkCached(hostPgoffs []uint64) error {
	m.mu.Lock()

	if len(m.wakeCh)+len(hostPgoffs) > cap(m.wakeCh) {
		for _, p := range hostPgoffs {
			m.cached[p] = true
		}

		m.mu.Unlock()

		return ErrWouldBlock
	}

	for _, p := range hostPgoffs {
		m.cached[p] = true
		m.wakeCh <- p
	}

	m.mu.Unlock()

	return nil
}

func (m *MemStore) MarkCachedBlocking(ctx context.Context, hostPgoffs []uint64) error {
	m.mu.Lock()

	for _, p := range hostPgoffs {
		m.cached[p] = true
	}

	m.mu.Unlock()

	for _, p := range hostPgoffs {
		select {
		case m.wakeCh <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// DrainWakes consumes up to max wake notifications, simulating the
// faulted guest threads being resumed. Used by tests to unstick a
// saturated wake pipe.
func (m *MemStore) DrainWakes(max int) []uint64 {
	var out []uint64

	for len(out) < max {
		select {
		case p := <-m.wakeCh:
			out = append(out, p)
		default:
			return out
		}
	}

	return out
}

func (m *MemStore) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.cached {
		if !c {
			return false
		}
	}

	return true
}

func (m *MemStore) HostPageSize() uint64 { return m.hostPageSize }

func (m *MemStore) Close() error { return nil }
