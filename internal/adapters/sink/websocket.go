package sink

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

const defaultWriteTimeout = 5 * time.Second

// WebSocketSender keeps one client connection and writes each payload as a
// JSON text frame. A failed write drops the connection; the next send dials
// again.
type WebSocketSender struct {
	cfg    domain.WebSocketTransport
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func NewWebSocketSender(cfg domain.WebSocketTransport, logger *slog.Logger) *WebSocketSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketSender{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: defaultWriteTimeout, Proxy: http.ProxyFromEnvironment},
		logger: logger,
	}
}

func (s *WebSocketSender) Name() string { return "websocket" }

func (s *WebSocketSender) connect(ctx context.Context) (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	header := http.Header{}
	for k, v := range s.cfg.Headers {
		header.Set(k, v)
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, &SendError{Kind: KindRemote, Transport: "websocket", StatusCode: resp.StatusCode, Err: err}
		}
		return nil, classify("websocket", err)
	}
	// Drain control frames so pings and close frames from the server are
	// processed; the read error marks the link dead.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				s.drop(conn)
				return
			}
		}
	}()
	s.logger.Debug("websocket sender connected", "url", s.cfg.URL)
	s.conn = conn
	return conn, nil
}

func (s *WebSocketSender) drop(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
	_ = conn.Close()
}

func (s *WebSocketSender) Send(ctx context.Context, body []byte, headers map[string]string, opts ports.SendOptions) (time.Duration, error) {
	frame, err := NewEnvelope(body, headers, opts).Marshal()
	if err != nil {
		return 0, encodeError("websocket", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSenderClosed
	}
	start := time.Now()
	conn, err := s.connect(ctx)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.drop(conn)
		return 0, classify("websocket", err)
	}
	return time.Since(start), nil
}

func (s *WebSocketSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}

var _ ports.Sender = (*WebSocketSender)(nil)
