// Package serial is the port manager for real serial devices. Each
// configured port gets a goroutine that opens it, streams bytes to the sink
// and reopens it after a failure.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.bug.st/serial"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

const (
	defaultReconnect = 2 * time.Second
	readTimeout      = 200 * time.Millisecond
	readBufferSize   = 4096
)

var ErrAlreadyStarted = errors.New("serial: manager already started")

type PortConfig struct {
	Path              string
	BaudRate          int
	DataBits          int
	Parity            string
	StopBits          float64
	ReconnectInterval time.Duration
}

// Mode converts the config to the driver's mode.
func (c PortConfig) Mode() (*serial.Mode, error) {
	m := &serial.Mode{BaudRate: c.BaudRate, DataBits: c.DataBits}
	if m.BaudRate == 0 {
		m.BaudRate = 9600
	}
	if m.DataBits == 0 {
		m.DataBits = 8
	}
	switch strings.ToLower(c.Parity) {
	case "", "none", "n":
		m.Parity = serial.NoParity
	case "odd", "o":
		m.Parity = serial.OddParity
	case "even", "e":
		m.Parity = serial.EvenParity
	case "mark", "m":
		m.Parity = serial.MarkParity
	case "space", "s":
		m.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("serial %s: unknown parity %q", c.Path, c.Parity)
	}
	switch c.StopBits {
	case 0, 1:
		m.StopBits = serial.OneStopBit
	case 1.5:
		m.StopBits = serial.OnePointFiveStopBits
	case 2:
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("serial %s: unsupported stop bits %v", c.Path, c.StopBits)
	}
	return m, nil
}

// Port is the part of a serial device the manager uses.
type Port interface {
	io.ReadCloser
}

// Opener opens one device.
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenDevice opens a real device with a short read timeout so the read loop
// can observe shutdown.
func OpenDevice(path string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// List returns the serial devices present on this host.
func List() ([]string, error) { return serial.GetPortsList() }

type Manager struct {
	ports  []PortConfig
	open   Opener
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	current map[string]Port
	wg      sync.WaitGroup
}

type Option func(*Manager)

func WithOpener(o Opener) Option { return func(m *Manager) { m.open = o } }

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewManager(cfgs []PortConfig, opts ...Option) *Manager {
	m := &Manager{
		ports:   append([]PortConfig(nil), cfgs...),
		open:    OpenDevice,
		logger:  slog.Default(),
		current: make(map[string]Port),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start validates every port config and launches the read loops.
func (m *Manager) Start(sink ports.PortEventSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyStarted
	}
	modes := make([]*serial.Mode, len(m.ports))
	for i, cfg := range m.ports {
		mode, err := cfg.Mode()
		if err != nil {
			return err
		}
		modes[i] = mode
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	for i, cfg := range m.ports {
		m.wg.Add(1)
		go func(cfg PortConfig, mode *serial.Mode) {
			defer m.wg.Done()
			m.run(ctx, cfg, mode, sink)
		}(cfg, modes[i])
	}
	return nil
}

// Stop closes every device and waits for the loops to report closed.
func (m *Manager) Stop() error {
	m.mu.Lock()
	cancel := m.cancel
	if cancel == nil {
		m.mu.Unlock()
		return nil
	}
	cancel()
	var err error
	for path, p := range m.current {
		if cerr := p.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("serial close %s: %w", path, cerr)
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
	return err
}

func (m *Manager) run(ctx context.Context, cfg PortConfig, mode *serial.Mode, sink ports.PortEventSink) {
	path := cfg.Path
	interval := cfg.ReconnectInterval
	if interval <= 0 {
		interval = defaultReconnect
	}
	log := m.logger.With("portPath", path)
	defer sink.HandleStatus(path, domain.PortClosed, "")

	for ctx.Err() == nil {
		sink.HandleStatus(path, domain.PortOpening, "")
		p, err := m.open(path, mode)
		if err != nil {
			log.Warn("serial: open failed", "err", err)
			sink.HandleStatus(path, domain.PortError, "")
		} else {
			session := uuid.NewString()
			m.track(path, p)
			log.Info("serial: port open", "session", session)
			sink.HandleStatus(path, domain.PortOpen, session)
			err = m.pump(ctx, path, p, sink)
			m.untrack(path)
			_ = p.Close()
			if ctx.Err() != nil {
				return
			}
			log.Warn("serial: port lost", "session", session, "err", err)
			sink.HandleStatus(path, domain.PortError, session)
		}

		sink.HandleStatus(path, domain.PortReconnecting, "")
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (m *Manager) pump(ctx context.Context, path string, p Port, sink ports.PortEventSink) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := p.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sink.HandleData(path, chunk)
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (m *Manager) track(path string, p Port) {
	m.mu.Lock()
	m.current[path] = p
	m.mu.Unlock()
}

func (m *Manager) untrack(path string) {
	m.mu.Lock()
	delete(m.current, path)
	m.mu.Unlock()
}

var _ ports.PortManager = (*Manager)(nil)
