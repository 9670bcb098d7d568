package sink

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

// TCPSender writes one newline-terminated JSON envelope per send over a
// lazily dialed connection.
type TCPSender struct {
	addr   string
	dialer net.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func NewTCPSender(cfg domain.TCPTransport, logger *slog.Logger) *TCPSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPSender{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		dialer: net.Dialer{Timeout: defaultWriteTimeout, KeepAlive: 30 * time.Second},
		logger: logger,
	}
}

func (s *TCPSender) Name() string { return "tcp" }

// Send holds the lock for the whole write so envelopes never interleave.
func (s *TCPSender) Send(ctx context.Context, body []byte, headers map[string]string, opts ports.SendOptions) (time.Duration, error) {
	line, err := NewEnvelope(body, headers, opts).Marshal()
	if err != nil {
		return 0, encodeError("tcp", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSenderClosed
	}
	start := time.Now()
	if s.conn != nil && !peerAlive(s.conn) {
		s.logger.Debug("tcp sender link dropped by peer, redialing", "addr", s.addr)
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.conn == nil {
		conn, err := s.dialer.DialContext(ctx, "tcp", s.addr)
		if err != nil {
			return 0, classify("tcp", err)
		}
		s.logger.Debug("tcp sender connected", "addr", s.addr)
		s.conn = conn
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if _, err := s.conn.Write(line); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return 0, classify("tcp", err)
	}
	return time.Since(start), nil
}

// peerAlive polls the connection for a pending EOF or reset. Sinks are not
// expected to talk back, so any bytes read are discarded.
func peerAlive(conn net.Conn) bool {
	var buf [512]byte
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		_, err := conn.Read(buf[:])
		if err == nil {
			continue
		}
		return isTimeout(err)
	}
}

func (s *TCPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

var _ ports.Sender = (*TCPSender)(nil)
