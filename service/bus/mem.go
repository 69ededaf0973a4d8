package bus

import (
	"context"
	"sync"
	"time"
)

// MemBus is an in-process Bus with the same delivery semantics as the NATS
// implementation (best-effort, drops on full buffers). Used by tests and
// single-process runs.
type MemBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan Event // chatID -> sub id -> delivery chan
	nextID int
	buffer int
	closed bool
}

func NewMemBus() *MemBus {
	return &MemBus{subs: make(map[string]map[int]chan Event), buffer: 256}
}

func (b *MemBus) Publish(_ context.Context, chatID string, ev Event) error {
	ev.ChatID = chatID
	if ev.At == 0 {
		ev.At = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[chatID] {
		select {
		case ch <- ev:
		default:
			// best-effort: full subscriber loses the hint
		}
	}
	return nil
}

func (b *MemBus) Subscribe(chatID string) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.subs[chatID] == nil {
		b.subs[chatID] = make(map[int]chan Event)
	}
	id := b.nextID
	b.nextID++
	b.subs[chatID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if m := b.subs[chatID]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(b.subs, chatID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
