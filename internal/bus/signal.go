package bus

import (
	"context"
	"sync"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// MemorySignal is an in-process domain.SignalBus. Slow subscribers drop
// messages rather than block publishers.
type MemorySignal struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

// NewMemorySignal creates an empty MemorySignal.
func NewMemorySignal() *MemorySignal {
	return &MemorySignal{subs: make(map[string]map[chan []byte]struct{})}
}

// Publish delivers payload to every current subscriber of channel.
func (m *MemorySignal) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel closed when ctx is cancelled.
func (m *MemorySignal) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	m.mu.Lock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[chan []byte]struct{})
	}
	m.subs[channel][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs[channel], ch)
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

var _ domain.SignalBus = (*MemorySignal)(nil)
