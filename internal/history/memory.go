package history

import (
	"context"
	"slices"
	"sync"
)

// MemorySink keeps the transcript and a capacity-bounded ledger in memory.
// Once the ledger is full the oldest entry is evicted.
type MemorySink struct {
	mu         sync.Mutex
	capacity   int
	transcript []Turn
	images     []Entry
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemorySink{capacity: capacity}
}

func (s *MemorySink) AppendTurn(_ context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, turn)
	return nil
}

func (s *MemorySink) AppendImage(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, entry)
	if over := len(s.images) - s.capacity; over > 0 {
		s.images = slices.Delete(s.images, 0, over)
	}
	return nil
}

func (s *MemorySink) Transcript(_ context.Context) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transcript), nil
}

func (s *MemorySink) Images(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.images), nil
}
