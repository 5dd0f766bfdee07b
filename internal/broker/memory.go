package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sokinpui/studio.go/internal/events"
	"github.com/sokinpui/studio.go/internal/notify"
)

// MemoryBroker fans events out to every subscriber. A subscriber that falls
// behind by more than its buffer loses events instead of stalling the run.
type MemoryBroker struct {
	bufferSize  int
	subscribers map[string]chan events.Event
	mu          sync.RWMutex
}

func NewMemoryBroker(bufferSize int) *MemoryBroker {
	return &MemoryBroker{
		bufferSize:  bufferSize,
		subscribers: make(map[string]chan events.Event),
	}
}

func (b *MemoryBroker) Subscribe(id string) <-chan events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan events.Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

func (b *MemoryBroker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

func (b *MemoryBroker) Publish(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			log.Printf("Subscriber %s is full, dropping %s event", id, ev.Type)
		}
	}
}

// Notify publishes a notification event, so subscribers can show it as a
// toast.
func (b *MemoryBroker) Notify(_ context.Context, message string, level notify.Level) {
	b.Publish(events.Event{Type: events.TypeNotification, Message: message, Level: level})
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
