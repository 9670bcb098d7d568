package portrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/PortRelay/internal/domain"
)

// ErrChannelSenderClosed is returned when a channel sender is written to after being closed.
var ErrChannelSenderClosed = errors.New("portrelay: channel sender closed")

// Delivery is one encoded batch handed to an in-process sender.
type Delivery struct {
	ChannelID      string
	Body           []byte
	Headers        map[string]string
	IdempotencyKey string
}

// DeliveryFunc is invoked for every batch a channel delivers. Returning an
// error makes the forwarder retry the batch according to the channel policy.
type DeliveryFunc func(ctx context.Context, d Delivery) error

// NewCallbackSender adapts a DeliveryFunc into a SenderFactory so every
// channel delivers to fn instead of its configured transport.
func NewCallbackSender(name string, fn DeliveryFunc) SenderFactory {
	if name == "" {
		name = "callback"
	}
	return func(ch domain.ChannelConfig) (Sender, error) {
		if fn == nil {
			return nil, fmt.Errorf("callback sender %q: nil handler", name)
		}
		return &callbackSender{name: name, channelID: ch.ID, fn: fn}, nil
	}
}

// NewChannelSender exposes deliveries via a Go channel; it returns the
// factory, the read-only channel, and a close function that the caller should
// invoke during shutdown. Sends block until the reader takes the delivery,
// the send times out, or the sender is closed.
func NewChannelSender(name string, buffer int) (SenderFactory, <-chan Delivery, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	hub := &deliveryHub{
		ch:   make(chan Delivery, buffer),
		done: make(chan struct{}),
	}
	factory := func(ch domain.ChannelConfig) (Sender, error) {
		return &channelSender{name: name, channelID: ch.ID, hub: hub}, nil
	}
	return factory, hub.ch, hub.close
}

type callbackSender struct {
	name      string
	channelID string
	fn        DeliveryFunc
}

func (s *callbackSender) Send(ctx context.Context, body []byte, headers map[string]string, opts SendOptions) (time.Duration, error) {
	start := time.Now()
	err := s.fn(ctx, newDelivery(s.channelID, body, headers, opts))
	return time.Since(start), err
}

func (s *callbackSender) Close() error { return nil }
func (s *callbackSender) Name() string { return s.name }

// deliveryHub is shared by every channel sender of one factory.
type deliveryHub struct {
	ch   chan Delivery
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	once     sync.Once
}

func (h *deliveryHub) close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.done)
		h.mu.Unlock()
		// The data channel is closed only after every pending send has left
		// its select.
		h.inflight.Wait()
		close(h.ch)
	})
}

type channelSender struct {
	name      string
	channelID string
	hub       *deliveryHub
}

func (s *channelSender) Send(ctx context.Context, body []byte, headers map[string]string, opts SendOptions) (time.Duration, error) {
	h := s.hub
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrChannelSenderClosed
	}
	h.inflight.Add(1)
	h.mu.Unlock()
	defer h.inflight.Done()

	start := time.Now()
	select {
	case <-h.done:
		return 0, ErrChannelSenderClosed
	case <-ctx.Done():
		return time.Since(start), ctx.Err()
	case h.ch <- newDelivery(s.channelID, body, headers, opts):
		return time.Since(start), nil
	}
}

// Close is a no-op; the hub outlives individual channel senders.
func (s *channelSender) Close() error { return nil }
func (s *channelSender) Name() string { return s.name }

func newDelivery(channelID string, body []byte, headers map[string]string, opts SendOptions) Delivery {
	d := Delivery{
		ChannelID:      channelID,
		Body:           append([]byte(nil), body...),
		IdempotencyKey: opts.IdempotencyKey,
	}
	if len(headers) > 0 {
		d.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			d.Headers[k] = v
		}
	}
	return d
}
