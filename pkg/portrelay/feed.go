package portrelay

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

var (
	// ErrFeedNotStarted is returned when bytes are pushed before the runtime
	// attached the feed.
	ErrFeedNotStarted = errors.New("portrelay: port feed not started")
	// ErrFeedStarted is returned by a second Start.
	ErrFeedStarted = errors.New("portrelay: port feed already started")
	// ErrPortNotOpen is returned when writing to a port that was not opened.
	ErrPortNotOpen = errors.New("portrelay: port not open")
)

// PortFeed is a PortManager for embedding callers that own the devices
// themselves (simulators, TCP-to-serial bridges, tests). Callers open a port,
// push bytes with Write, and close it again; each Open starts a new session.
type PortFeed struct {
	mu       sync.Mutex
	sink     ports.PortEventSink
	sessions map[string]string
}

var _ ports.PortManager = (*PortFeed)(nil)

func NewPortFeed() *PortFeed {
	return &PortFeed{sessions: make(map[string]string)}
}

// Start attaches the forwarder. The runtime calls it.
func (p *PortFeed) Start(sink ports.PortEventSink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink != nil {
		return ErrFeedStarted
	}
	p.sink = sink
	return nil
}

// Stop reports every open port as closed and detaches the forwarder.
func (p *PortFeed) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink == nil {
		return nil
	}
	for path, session := range p.sessions {
		p.sink.HandleStatus(path, domain.PortClosed, session)
		delete(p.sessions, path)
	}
	p.sink = nil
	return nil
}

// Open starts a new session on path and returns its id. Opening an already
// open port reopens it, which invalidates batches of the previous session.
func (p *PortFeed) Open(path string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink == nil {
		return "", ErrFeedNotStarted
	}
	session := uuid.NewString()
	p.sessions[path] = session
	p.sink.HandleStatus(path, domain.PortOpen, session)
	return session, nil
}

// Write delivers bytes read from path.
func (p *PortFeed) Write(path string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink == nil {
		return ErrFeedNotStarted
	}
	if _, ok := p.sessions[path]; !ok {
		return ErrPortNotOpen
	}
	p.sink.HandleData(path, data)
	return nil
}

// Close ends the session on path.
func (p *PortFeed) Close(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sink == nil {
		return ErrFeedNotStarted
	}
	session, ok := p.sessions[path]
	if !ok {
		return ErrPortNotOpen
	}
	delete(p.sessions, path)
	p.sink.HandleStatus(path, domain.PortClosed, session)
	return nil
}
