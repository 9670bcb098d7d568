package domain

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

type TransportType string

const (
	TransportHTTP      TransportType = "http"
	TransportWebSocket TransportType = "websocket"
	TransportTCP       TransportType = "tcp"
	TransportMQTT      TransportType = "mqtt"
)

type HTTPTransport struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
	// SigningSecret enables an HMAC-SHA256 X-Signature header.
	SigningSecret string `json:"signingSecret,omitempty"`
}

type WebSocketTransport struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type TCPTransport struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type MQTTTransport struct {
	BrokerURL string `json:"brokerUrl"`
	Topic     string `json:"topic"`
	QoS       byte   `json:"qos"`
	Retained  bool   `json:"retained,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
}

// TransportConfig is a tagged union; Type selects which pointer is read.
type TransportConfig struct {
	Type      TransportType       `json:"type"`
	HTTP      *HTTPTransport      `json:"http,omitempty"`
	WebSocket *WebSocketTransport `json:"websocket,omitempty"`
	TCP       *TCPTransport       `json:"tcp,omitempty"`
	MQTT      *MQTTTransport      `json:"mqtt,omitempty"`
}

func (t TransportConfig) Validate() error {
	switch t.Type {
	case TransportHTTP:
		if t.HTTP == nil {
			return fmt.Errorf("http transport settings are missing")
		}
		return validateURL(t.HTTP.URL, "http", "https")
	case TransportWebSocket:
		if t.WebSocket == nil {
			return fmt.Errorf("websocket transport settings are missing")
		}
		return validateURL(t.WebSocket.URL, "ws", "wss")
	case TransportTCP:
		if t.TCP == nil {
			return fmt.Errorf("tcp transport settings are missing")
		}
		if strings.TrimSpace(t.TCP.Host) == "" {
			return fmt.Errorf("tcp host is required")
		}
		if t.TCP.Port <= 0 || t.TCP.Port > 65535 {
			return fmt.Errorf("tcp port %d out of range", t.TCP.Port)
		}
		return nil
	case TransportMQTT:
		if t.MQTT == nil {
			return fmt.Errorf("mqtt transport settings are missing")
		}
		if err := validateURL(t.MQTT.BrokerURL, "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss"); err != nil {
			return err
		}
		if t.MQTT.Topic == "" {
			return fmt.Errorf("mqtt topic is required")
		}
		if t.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos %d out of range", t.MQTT.QoS)
		}
		return nil
	default:
		return fmt.Errorf("unknown transport type %q", t.Type)
	}
}

// Identity is the part of the transport config that requires a new sender
// when it changes.
func (t TransportConfig) Identity() string {
	switch t.Type {
	case TransportHTTP:
		if t.HTTP != nil {
			return "http|" + t.HTTP.URL
		}
	case TransportWebSocket:
		if t.WebSocket != nil {
			return "websocket|" + t.WebSocket.URL
		}
	case TransportTCP:
		if t.TCP != nil {
			return "tcp|" + net.JoinHostPort(t.TCP.Host, strconv.Itoa(t.TCP.Port))
		}
	case TransportMQTT:
		if t.MQTT != nil {
			return "mqtt|" + t.MQTT.BrokerURL + "|" + t.MQTT.Topic + "|" + t.MQTT.ClientID
		}
	}
	return string(t.Type)
}

func validateURL(raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("url %q: scheme must be one of %s", raw, strings.Join(schemes, ", "))
}

type PayloadFormat string

const (
	FormatJSON   PayloadFormat = "json"
	FormatXML    PayloadFormat = "xml"
	FormatBinary PayloadFormat = "binary"
	FormatFeishu PayloadFormat = "feishu"
)

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
)

type Encryption string

const (
	EncryptionNone      Encryption = "none"
	EncryptionAES256GCM Encryption = "aes-256-gcm"
)

type DeliveryMode string

const (
	AtLeastOnce DeliveryMode = "at-least-once"
	AtMostOnce  DeliveryMode = "at-most-once"
)

// ChannelFilter restricts which records reach a channel. Empty lists match
// everything; non-empty lists are AND-ed.
type ChannelFilter struct {
	PortPaths []string `json:"portPaths,omitempty"`
	DeviceIDs []string `json:"deviceIds,omitempty"`
	Types     []string `json:"types,omitempty"`
}

// Match applies the filter to one record.
func (f ChannelFilter) Match(r *Record) bool {
	if len(f.PortPaths) > 0 {
		ok := false
		for _, p := range f.PortPaths {
			if NormalizePortPath(p) == NormalizePortPath(r.PortPath) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.DeviceIDs) > 0 && !contains(f.DeviceIDs, r.DeviceID) {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, r.DataType) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ChannelConfig is one forwarding destination.
type ChannelConfig struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Enabled          bool            `json:"enabled"`
	OwnerID          string          `json:"ownerId,omitempty"`
	Transport        TransportConfig `json:"transport"`
	PayloadFormat    PayloadFormat   `json:"payloadFormat"`
	XMLTemplate      string          `json:"xmlTemplate,omitempty"`
	Compression      Compression     `json:"compression"`
	Encryption       Encryption      `json:"encryption"`
	EncryptionSecret string          `json:"encryptionSecret,omitempty"`
	BatchSize        int             `json:"batchSize"`
	FlushIntervalMs  int             `json:"flushIntervalMs"`
	RetryMaxAttempts int             `json:"retryMaxAttempts"`
	RetryBaseDelayMs int             `json:"retryBaseDelayMs"`
	DedupWindowMs    int             `json:"dedupWindowMs"`
	DeliveryMode     DeliveryMode    `json:"deliveryMode"`
	Filter           ChannelFilter   `json:"filter"`
}

func (c *ChannelConfig) ApplyDefaults() {
	if c.PayloadFormat == "" {
		c.PayloadFormat = FormatJSON
	}
	if c.Compression == "" {
		c.Compression = CompressionNone
	}
	if c.Encryption == "" {
		c.Encryption = EncryptionNone
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.FlushIntervalMs <= 0 {
		c.FlushIntervalMs = 1000
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 5
	}
	if c.RetryBaseDelayMs <= 0 {
		c.RetryBaseDelayMs = 1000
	}
	if c.DedupWindowMs < 0 {
		c.DedupWindowMs = 0
	}
	if c.DeliveryMode == "" {
		c.DeliveryMode = AtLeastOnce
	}
	if c.Transport.Type == TransportHTTP && c.Transport.HTTP != nil && c.Transport.HTTP.Method == "" {
		c.Transport.HTTP.Method = "POST"
	}
}

func (c ChannelConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("channel id is required")
	}
	switch c.PayloadFormat {
	case FormatJSON, FormatBinary, FormatFeishu:
	case FormatXML:
		if c.XMLTemplate == "" {
			return fmt.Errorf("channel %q: xml payload requires xmlTemplate", c.ID)
		}
	default:
		return fmt.Errorf("channel %q: unknown payload format %q", c.ID, c.PayloadFormat)
	}
	switch c.Compression {
	case CompressionNone, CompressionGzip:
	default:
		return fmt.Errorf("channel %q: unknown compression %q", c.ID, c.Compression)
	}
	switch c.Encryption {
	case EncryptionNone, EncryptionAES256GCM:
	default:
		return fmt.Errorf("channel %q: unknown encryption %q", c.ID, c.Encryption)
	}
	switch c.DeliveryMode {
	case AtLeastOnce, AtMostOnce:
	default:
		return fmt.Errorf("channel %q: unknown delivery mode %q", c.ID, c.DeliveryMode)
	}
	// Disabled channels may be saved half-configured from the UI.
	if c.Enabled {
		if err := c.Transport.Validate(); err != nil {
			return fmt.Errorf("channel %q: %w", c.ID, err)
		}
	}
	return nil
}
