package taskqueue

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker is a non-durable broker used in tests and for single-process
// runs without a queue file.
type MemoryBroker struct {
	mu       sync.Mutex
	pending  map[string][]Task
	inflight map[string]Task
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		pending:  map[string][]Task{},
		inflight: map[string]Task{},
	}
}

func (b *MemoryBroker) Enqueue(ctx context.Context, t Task) error {
	b.mu.Lock()
	b.pending[t.Queue] = append(b.pending[t.Queue], t)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Dequeue(ctx context.Context, queue string) (*Task, error) {
	for {
		if t := b.claim(queue); t != nil {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (b *MemoryBroker) claim(queue string) *Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	tasks := b.pending[queue]
	for i, t := range tasks {
		if t.NotBefore.After(now) {
			continue
		}
		b.pending[queue] = append(tasks[:i:i], tasks[i+1:]...)
		b.inflight[t.ID] = t
		claimed := t
		return &claimed
	}
	return nil
}

func (b *MemoryBroker) Ack(ctx context.Context, id string) error {
	b.mu.Lock()
	delete(b.inflight, id)
	b.mu.Unlock()
	return nil
}

// Pending reports the number of undelivered tasks on a queue. Test helper.
func (b *MemoryBroker) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[queue])
}

func (b *MemoryBroker) Close() error { return nil }
