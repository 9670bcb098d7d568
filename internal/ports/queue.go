package ports

import (
	"time"

	"github.com/ghalamif/PortRelay/internal/domain"
)

// QueueItem is the durable wrapper of one outbound batch.
type QueueItem struct {
	ID            string               `json:"id"`
	CreatedAt     time.Time            `json:"createdAt"`
	Attempts      int                  `json:"attempts"`
	NextAttemptAt time.Time            `json:"nextAttemptAt"`
	Payload       domain.OutboundBatch `json:"payload"`
}

// DurableQueue is one channel's FIFO with retry scheduling. Items are
// returned in creation order; items not yet due are skipped, not removed.
type DurableQueue interface {
	Enqueue(batch domain.OutboundBatch) (QueueItem, error)
	// PeekReady returns up to max due items, oldest first.
	PeekReady(now time.Time, max int) ([]QueueItem, error)
	// Peek returns up to limit items regardless of readiness.
	Peek(limit int) ([]QueueItem, error)
	Ack(id string) error
	Nack(id string, nextAttemptAt time.Time) (QueueItem, error)
	Size() int
	Close() error
}

// QueueFactory opens the queue of one channel.
type QueueFactory func(channelID string) (DurableQueue, error)
