package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/PortRelay/internal/domain"
)

func TestNewPicksTransport(t *testing.T) {
	cases := []struct {
		transport domain.TransportConfig
		name      string
	}{
		{domain.TransportConfig{Type: domain.TransportHTTP, HTTP: &domain.HTTPTransport{URL: "https://example.com"}}, "http"},
		{domain.TransportConfig{Type: domain.TransportWebSocket, WebSocket: &domain.WebSocketTransport{URL: "wss://example.com/ws"}}, "websocket"},
		{domain.TransportConfig{Type: domain.TransportTCP, TCP: &domain.TCPTransport{Host: "10.0.0.5", Port: 9000}}, "tcp"},
		{domain.TransportConfig{Type: domain.TransportMQTT, MQTT: &domain.MQTTTransport{BrokerURL: "tcp://broker:1883", Topic: "t"}}, "mqtt"},
	}
	for _, tc := range cases {
		s, err := New(domain.ChannelConfig{ID: "c", Transport: tc.transport}, nil)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.name, s.Name())
		require.NoError(t, s.Close())
	}

	_, err := New(domain.ChannelConfig{ID: "c", Transport: domain.TransportConfig{Type: "carrier-pigeon"}}, nil)
	assert.Error(t, err)
}

func TestSenderKey(t *testing.T) {
	ch := domain.ChannelConfig{
		PayloadFormat: domain.FormatJSON,
		Transport: domain.TransportConfig{
			Type: domain.TransportHTTP,
			HTTP: &domain.HTTPTransport{URL: "https://example.com/a"},
		},
	}
	base := SenderKey(ch)

	same := ch
	same.BatchSize = 50
	assert.Equal(t, base, SenderKey(same), "batching does not touch the sender")

	moved := ch
	moved.Transport.HTTP = &domain.HTTPTransport{URL: "https://example.com/b"}
	assert.NotEqual(t, base, SenderKey(moved))

	signed := ch
	signed.Transport.HTTP = &domain.HTTPTransport{URL: "https://example.com/a", SigningSecret: "x"}
	assert.NotEqual(t, base, SenderKey(signed))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("write: %w", syscall.ECONNRESET)))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH}))
	assert.True(t, IsTransient(io.ErrUnexpectedEOF))
	assert.False(t, IsTransient(errors.New("connection timeout in message text")), "no message sniffing")
	assert.False(t, IsTransient(&SendError{Kind: KindRemote, Err: io.EOF}), "explicit kind wins")
	assert.True(t, IsTransient(&SendError{Kind: KindNetwork, Err: errors.New("x")}))
	assert.True(t, IsTransient(fmt.Errorf("write: %w", net.ErrClosed)))
}

func TestLocalNetErrorsAreNotTransient(t *testing.T) {
	unsupported := &net.OpError{Op: "dial", Net: "udp9", Err: net.UnknownNetworkError("udp9")}
	badAddr := &net.OpError{Op: "dial", Net: "tcp", Err: &net.AddrError{Err: "missing port in address", Addr: "collector"}}
	noHost := &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "collector.invalid", IsNotFound: true}}

	for _, err := range []error{unsupported, badAddr, noHost} {
		assert.False(t, IsTransient(err), "%v", err)
		assert.Equal(t, KindRemote, KindOf(classify("tcp", err)), "%v", err)
	}
	assert.True(t, IsTransient(&net.DNSError{Err: "server misbehaving", Name: "collector", IsTemporary: true}))
}
