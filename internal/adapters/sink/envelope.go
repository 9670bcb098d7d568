package sink

import (
	"encoding/base64"
	"encoding/json"

	"github.com/ghalamif/PortRelay/internal/ports"
)

// Envelope wraps a payload for message-oriented transports (WebSocket, TCP,
// MQTT) that have no header channel of their own.
type Envelope struct {
	Headers    map[string]string `json:"headers"`
	BodyBase64 string            `json:"bodyBase64"`
}

// NewEnvelope copies headers and adds the idempotency key.
func NewEnvelope(body []byte, headers map[string]string, opts ports.SendOptions) Envelope {
	h := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		h[k] = v
	}
	if opts.IdempotencyKey != "" {
		h[HeaderIdempotencyKey] = opts.IdempotencyKey
	}
	return Envelope{Headers: h, BodyBase64: base64.StdEncoding.EncodeToString(body)}
}

func (e Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

// Body decodes the wrapped payload.
func (e Envelope) Body() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.BodyBase64)
}
