package portrelay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghalamif/PortRelay/internal/domain"
)

func TestNewCallbackSender(t *testing.T) {
	var received []Delivery
	factory := NewCallbackSender("cb", func(_ context.Context, d Delivery) error {
		received = append(received, d)
		return nil
	})
	sender, err := factory(domain.ChannelConfig{ID: "ch-1"})
	if err != nil {
		t.Fatalf("factory returned error: %v", err)
	}
	if sender.Name() != "cb" {
		t.Fatalf("unexpected name %q", sender.Name())
	}

	body := []byte(`{"records":[]}`)
	headers := map[string]string{"Content-Type": "application/json"}
	if _, err := sender.Send(context.Background(), body, headers, SendOptions{IdempotencyKey: "item-1"}); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if len(received) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(received))
	}
	got := received[0]
	if got.ChannelID != "ch-1" || got.IdempotencyKey != "item-1" {
		t.Fatalf("mismatched delivery: %+v", got)
	}
	body[0] = 'X'
	headers["Content-Type"] = "text/plain"
	if got.Body[0] != '{' || got.Headers["Content-Type"] != "application/json" {
		t.Fatalf("expected body and headers to be copied, got %+v", got)
	}
}

func TestNewCallbackSenderNilHandler(t *testing.T) {
	if _, err := NewCallbackSender("", nil)(domain.ChannelConfig{ID: "c"}); err == nil {
		t.Fatalf("expected error when callback is nil")
	}
}

func TestNewCallbackSenderPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	sender, _ := NewCallbackSender("", func(context.Context, Delivery) error { return boom })(domain.ChannelConfig{ID: "c"})
	if _, err := sender.Send(context.Background(), nil, nil, SendOptions{}); !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestNewChannelSender(t *testing.T) {
	factory, ch, closeFn := NewChannelSender("chan", 0)
	defer closeFn()

	sender, err := factory(domain.ChannelConfig{ID: "ch-2"})
	if err != nil {
		t.Fatalf("factory returned error: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := sender.Send(context.Background(), []byte("x"), nil, SendOptions{IdempotencyKey: "k"})
		errCh <- err
	}()

	var d Delivery
	select {
	case d = <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if d.ChannelID != "ch-2" || string(d.Body) != "x" {
		t.Fatalf("unexpected delivery: %+v", d)
	}

	closeFn()
	if _, err := sender.Send(context.Background(), []byte("x"), nil, SendOptions{}); !errors.Is(err, ErrChannelSenderClosed) {
		t.Fatalf("expected ErrChannelSenderClosed, got %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected delivery channel to be closed")
	}
}

func TestChannelSenderHonoursContext(t *testing.T) {
	factory, _, closeFn := NewChannelSender("", 0)
	defer closeFn()
	sender, _ := factory(domain.ChannelConfig{ID: "c"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sender.Send(ctx, []byte("x"), nil, SendOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestChannelSenderCloseUnblocksPendingSend(t *testing.T) {
	factory, _, closeFn := NewChannelSender("", 0)
	sender, _ := factory(domain.ChannelConfig{ID: "c"})

	errCh := make(chan error, 1)
	go func() {
		_, err := sender.Send(context.Background(), []byte("x"), nil, SendOptions{})
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	closeFn()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrChannelSenderClosed) {
			t.Fatalf("expected ErrChannelSenderClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending send was not released by close")
	}
}
