package domaintest

import (
	"context"
	"sync"
	"time"

	"github.com/castlerow/unwind/internal/domain"
)

// Bus is an in-memory SignalBus that records published payloads.
type Bus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{published: map[string][][]byte{}}
}

// Publish implements domain.SignalBus.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

// Subscribe implements domain.SignalBus. The returned channel never receives.
func (b *Bus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

// Published returns the payloads published to channel.
func (b *Bus) Published(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[channel]
}

// Alert is one recorded alert.
type Alert struct {
	Event   string
	Title   string
	Message string
}

// AlertRecorder records alerts.
type AlertRecorder struct {
	mu     sync.Mutex
	alerts []Alert
}

// Notify records the alert.
func (r *AlertRecorder) Notify(_ context.Context, event, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, Alert{Event: event, Title: title, Message: message})
	return nil
}

// Alerts returns all recorded alerts.
func (r *AlertRecorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Events returns the recorded alert event names in order.
func (r *AlertRecorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Event)
	}
	return out
}

// Locks is an in-memory LockManager.
type Locks struct {
	mu   sync.Mutex
	held map[string]bool

	// Held forces Acquire to fail with ErrLockHeld for every key.
	Held bool
}

// NewLocks creates an empty Locks.
func NewLocks() *Locks {
	return &Locks{held: map[string]bool{}}
}

// Acquire implements domain.LockManager.
func (l *Locks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Held || l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}
