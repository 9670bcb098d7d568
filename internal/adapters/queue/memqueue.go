package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

// MemQueue is a bounded in-memory DurableQueue that preserves FIFO ordering.
// It does not survive a restart and backs ephemeral runtimes and tests.
type MemQueue struct {
	mu     sync.Mutex
	data   []ports.QueueItem
	cap    int
	now    func() time.Time
	closed bool
}

// NewMemQueue returns a queue holding at most capacity items (0 = unbounded).
func NewMemQueue(capacity int) *MemQueue {
	return &MemQueue{cap: capacity, now: time.Now}
}

// MemFactory hands out one MemQueue per channel and returns the same queue
// when a channel is reopened.
func MemFactory(capacity int) ports.QueueFactory {
	var mu sync.Mutex
	queues := make(map[string]*MemQueue)
	return func(channelID string) (ports.DurableQueue, error) {
		mu.Lock()
		defer mu.Unlock()
		q, ok := queues[channelID]
		if !ok {
			q = NewMemQueue(capacity)
			queues[channelID] = q
		}
		q.reopen()
		return q, nil
	}
}

func (q *MemQueue) reopen() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = false
}

func (q *MemQueue) Enqueue(batch domain.OutboundBatch) (ports.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ports.QueueItem{}, ErrClosed
	}
	if q.cap > 0 && len(q.data) >= q.cap {
		return ports.QueueItem{}, ErrQueueFull
	}
	now := batch.CreatedAt
	if now.IsZero() {
		now = q.now()
	}
	item := ports.QueueItem{ID: uuid.NewString(), CreatedAt: now, NextAttemptAt: now, Payload: batch}
	q.data = append(q.data, item)
	return item, nil
}

func (q *MemQueue) PeekReady(now time.Time, max int) ([]ports.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	var out []ports.QueueItem
	for _, it := range q.data {
		if max > 0 && len(out) >= max {
			break
		}
		if !it.NextAttemptAt.After(now) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (q *MemQueue) Peek(limit int) ([]ports.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > len(q.data) {
		limit = len(q.data)
	}
	out := make([]ports.QueueItem, limit)
	copy(out, q.data[:limit])
	return out, nil
}

func (q *MemQueue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.data {
		if it.ID == id {
			q.data = append(q.data[:i], q.data[i+1:]...)
			return nil
		}
	}
	return ErrItemNotFound
}

func (q *MemQueue) Nack(id string, nextAttemptAt time.Time) (ports.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.data {
		if q.data[i].ID == id {
			q.data[i].Attempts++
			q.data[i].NextAttemptAt = nextAttemptAt
			return q.data[i], nil
		}
	}
	return ports.QueueItem{}, ErrItemNotFound
}

func (q *MemQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Close marks the queue closed. Pending items are kept so MemFactory can be
// asked for the same channel again within one process.
func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

var _ ports.DurableQueue = (*MemQueue)(nil)
