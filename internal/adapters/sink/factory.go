package sink

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

// Factory builds the sender for a channel. The orchestrator calls it on
// every reconcile where SenderKey changed.
type Factory func(ch domain.ChannelConfig) (ports.Sender, error)

// NewFactory returns the default transport factory.
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ch domain.ChannelConfig) (ports.Sender, error) {
		return New(ch, logger)
	}
}

// New builds the sender matching ch.Transport.
func New(ch domain.ChannelConfig, logger *slog.Logger) (ports.Sender, error) {
	if err := ch.Transport.Validate(); err != nil {
		return nil, fmt.Errorf("channel %s: %w", ch.ID, err)
	}
	log := logger.With("channel", ch.ID)
	t := ch.Transport
	switch t.Type {
	case domain.TransportHTTP:
		return NewHTTPSender(*t.HTTP, ch.PayloadFormat, nil), nil
	case domain.TransportWebSocket:
		return NewWebSocketSender(*t.WebSocket, log), nil
	case domain.TransportTCP:
		return NewTCPSender(*t.TCP, log), nil
	case domain.TransportMQTT:
		return NewMQTTSender(*t.MQTT, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, t.Type)
	}
}

// SenderKey changes whenever a channel needs a fresh sender: its transport
// identity (url, host, port, topic) or any other setting the sender copies at
// construction time.
func SenderKey(ch domain.ChannelConfig) string {
	raw, _ := json.Marshal(struct {
		T domain.TransportConfig `json:"t"`
		F domain.PayloadFormat   `json:"f"`
	}{ch.Transport, ch.PayloadFormat})
	sum := sha256.Sum256(raw)
	return ch.Transport.Identity() + "#" + hex.EncodeToString(sum[:8])
}
