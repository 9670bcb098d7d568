package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/ghalamif/PortRelay/internal/domain"
)

func TestMemQueueEnqueuePeekOrder(t *testing.T) {
	q := NewMemQueue(4)

	a, err := q.Enqueue(domain.OutboundBatch{ID: "b1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(domain.OutboundBatch{ID: "b2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ready, _ := q.PeekReady(time.Now().Add(time.Second), 1)
	if len(ready) != 1 || ready[0].Payload.ID != "b1" {
		t.Fatalf("unexpected first batch: %+v", ready)
	}

	if err := q.Ack(a.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	remaining, _ := q.Peek(10)
	if len(remaining) != 1 || remaining[0].Payload.ID != "b2" {
		t.Fatalf("unexpected remaining: %+v", remaining)
	}
	if q.Size() != 1 {
		t.Fatalf("size should be 1, got %d", q.Size())
	}
}

func TestMemQueueCapacity(t *testing.T) {
	q := NewMemQueue(2)

	first, _ := q.Enqueue(domain.OutboundBatch{})
	if _, err := q.Enqueue(domain.OutboundBatch{}); err != nil {
		t.Fatalf("expected enqueue within capacity: %v", err)
	}
	if _, err := q.Enqueue(domain.OutboundBatch{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("enqueue should fail when capacity exceeded, got %v", err)
	}

	_ = q.Ack(first.ID)
	if _, err := q.Enqueue(domain.OutboundBatch{}); err != nil {
		t.Fatalf("expected enqueue to succeed after ack: %v", err)
	}
}

func TestMemQueueNackDefersItem(t *testing.T) {
	q := NewMemQueue(0)
	now := time.Now()
	q.now = func() time.Time { return now }

	a, _ := q.Enqueue(domain.OutboundBatch{ID: "late"})
	_, _ = q.Enqueue(domain.OutboundBatch{ID: "next"})

	item, err := q.Nack(a.ID, now.Add(time.Minute))
	if err != nil || item.Attempts != 1 {
		t.Fatalf("nack: %+v %v", item, err)
	}
	ready, _ := q.PeekReady(now, 10)
	if len(ready) != 1 || ready[0].Payload.ID != "next" {
		t.Fatalf("backoff item should be skipped: %+v", ready)
	}
	if q.Size() != 2 {
		t.Fatalf("size counts items in backoff, got %d", q.Size())
	}
}

func TestMemFactoryReopenKeepsItems(t *testing.T) {
	factory := MemFactory(0)
	q, _ := factory("ch")
	_, _ = q.Enqueue(domain.OutboundBatch{})
	_ = q.Close()

	again, _ := factory("ch")
	if again.Size() != 1 {
		t.Fatalf("expected item to survive reopen, got %d", again.Size())
	}
}
