package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

// MQTTSender publishes JSON envelopes to one topic. The paho client is
// created on the first send and replaced if its link is down.
type MQTTSender struct {
	cfg    domain.MQTTTransport
	logger *slog.Logger

	mu     sync.Mutex
	client mqtt.Client
	closed bool
}

func NewMQTTSender(cfg domain.MQTTTransport, logger *slog.Logger) *MQTTSender {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "portrelay-" + uuid.NewString()[:8]
	}
	return &MQTTSender{cfg: cfg, logger: logger}
}

func (s *MQTTSender) Name() string { return "mqtt" }

func (s *MQTTSender) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetConnectTimeout(defaultWriteTimeout).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.Warn("mqtt sender connection lost", "broker", s.cfg.BrokerURL, "err", err)
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	return opts
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MQTTSender) connect(ctx context.Context) (mqtt.Client, error) {
	if s.client != nil && s.client.IsConnectionOpen() {
		return s.client, nil
	}
	if s.client != nil {
		s.client.Disconnect(0)
		s.client = nil
	}
	client := mqtt.NewClient(s.options())
	if err := waitToken(ctx, client.Connect()); err != nil {
		// A failed CONNECT never reached a live session, whatever paho
		// wrapped the cause in, unless the broker refused it outright.
		kind := KindNetwork
		switch {
		case isTimeout(err):
			kind = KindTimeout
		case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
			errors.Is(err, packets.ErrorRefusedNotAuthorised),
			errors.Is(err, packets.ErrorRefusedIDRejected),
			errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
			kind = KindConfig
		}
		return nil, &SendError{Kind: kind, Transport: "mqtt", Err: fmt.Errorf("connect %s: %w", s.cfg.BrokerURL, err)}
	}
	s.logger.Debug("mqtt sender connected", "broker", s.cfg.BrokerURL)
	s.client = client
	return client, nil
}

func (s *MQTTSender) Send(ctx context.Context, body []byte, headers map[string]string, opts ports.SendOptions) (time.Duration, error) {
	payload, err := NewEnvelope(body, headers, opts).Marshal()
	if err != nil {
		return 0, encodeError("mqtt", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultWriteTimeout)
		defer cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSenderClosed
	}
	start := time.Now()
	client, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}
	if err := waitToken(ctx, client.Publish(s.cfg.Topic, s.cfg.QoS, s.cfg.Retained, payload)); err != nil {
		return 0, classify("mqtt", err)
	}
	return time.Since(start), nil
}

func (s *MQTTSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
	return nil
}

var _ ports.Sender = (*MQTTSender)(nil)
