package fanout

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus connects several in-process adapters as if they shared a broker. It backs
// multi-hub tests and lets a single binary run more than one hub.
type Bus struct {
	members map[*Member]struct{}
	counts  map[string]int64 // presence connection counts
	mu      sync.RWMutex
	down    atomic.Bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{members: make(map[*Member]struct{}), counts: make(map[string]int64)}
}

// SetDown simulates a broker outage.
func (b *Bus) SetDown(down bool) {
	b.down.Store(down)
}

// Join returns a new adapter attached to the bus.
func (b *Bus) Join(origin string) *Member {
	m := &Member{bus: b, origin: origin, ch: make(chan Envelope, messageBuffer)}
	b.mu.Lock()
	b.members[m] = struct{}{}
	b.mu.Unlock()
	return m
}

// Member is one process's view of a Bus.
type Member struct {
	bus       *Bus
	ch        chan Envelope
	origin    string
	closeOnce sync.Once
}

// Publish delivers env to every other member without blocking; full members drop it.
func (m *Member) Publish(_ context.Context, env Envelope) error {
	if m.bus.down.Load() {
		return ErrUnavailable
	}
	m.bus.mu.RLock()
	defer m.bus.mu.RUnlock()
	if _, ok := m.bus.members[m]; !ok {
		return ErrUnavailable
	}
	for other := range m.bus.members {
		if other == m {
			continue
		}
		select {
		case other.ch <- env:
		default:
		}
	}
	return nil
}

// Messages implements Adapter.
func (m *Member) Messages() <-chan Envelope { return m.ch }

// Available implements Adapter.
func (m *Member) Available() bool { return !m.bus.down.Load() }

// Origin implements Adapter.
func (m *Member) Origin() string { return m.origin }

// Close detaches the member and closes its channel.
func (m *Member) Close() error {
	m.closeOnce.Do(func() {
		m.bus.mu.Lock()
		delete(m.bus.members, m)
		m.bus.mu.Unlock()
		close(m.ch)
	})
	return nil
}
