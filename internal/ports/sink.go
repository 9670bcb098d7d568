package ports

import (
	"context"
	"time"
)

// SendOptions carries per-delivery metadata.
type SendOptions struct {
	IdempotencyKey string
}

// Sender delivers one wire payload to a remote sink.
type Sender interface {
	Send(ctx context.Context, body []byte, headers map[string]string, opts SendOptions) (time.Duration, error)
	Close() error
	Name() string
}
