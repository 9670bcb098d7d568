package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

// gateSender parks every Send until release is closed and records how the
// forwarder used it.
type gateSender struct {
	entered chan struct{}
	release chan struct{}

	mu               sync.Mutex
	inFlight         int
	maxInFlight      int
	keys             []string
	closed           bool
	closedDuringSend bool
}

func newGateSender() *gateSender {
	return &gateSender{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (s *gateSender) Name() string { return "gate" }

func (s *gateSender) Send(ctx context.Context, _ []byte, _ map[string]string, opts ports.SendOptions) (time.Duration, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.keys = append(s.keys, opts.IdempotencyKey)
	s.mu.Unlock()

	s.entered <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	return time.Millisecond, ctx.Err()
}

func (s *gateSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		s.closedDuringSend = true
	}
	s.closed = true
	return nil
}

func (s *gateSender) state() (closed, closedDuringSend bool, maxInFlight int, keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closedDuringSend, s.maxInFlight, append([]string(nil), s.keys...)
}

type gateSenders struct {
	mu    sync.Mutex
	built []*gateSender
}

func (g *gateSenders) factory(domain.ChannelConfig) (ports.Sender, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := newGateSender()
	g.built = append(g.built, s)
	return s, nil
}

func (g *gateSenders) get(i int) *gateSender {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i >= len(g.built) {
		return nil
	}
	return g.built[i]
}

func (g *gateSenders) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.built)
}

func waitEntered(t *testing.T, s *gateSender) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never reached Send")
	}
}

func TestSenderReplacedDuringSendIsClosedAfterPass(t *testing.T) {
	gs := &gateSenders{}
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, httpChannel("c", "o")), func(o *Options) {
		o.Senders = gs.factory
	})
	h.f.HandleData(testPort, []byte("a\n"))

	h.f.tick(context.Background(), false)
	old := gs.get(0)
	require.NotNil(t, old)
	waitEntered(t, old)

	cfg := h.f.GetConfig()
	cfg.Channels[0].Transport.HTTP = &domain.HTTPTransport{URL: "https://other.example/ingest"}
	_, err := h.f.SetConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 2, gs.count())

	closed, _, _, _ := old.state()
	assert.False(t, closed, "sender in use must stay open")

	close(old.release)
	h.f.workers.Wait()

	closed, closedDuringSend, _, _ := old.state()
	assert.True(t, closed)
	assert.False(t, closedDuringSend)
	newClosed, _, _, _ := gs.get(1).state()
	assert.False(t, newClosed)

	m := h.metrics("c")
	assert.Equal(t, uint64(1), m.Sent)
	assert.Zero(t, m.Failed)
	assert.Zero(t, m.Dropped)
}

func TestTickSkipsChannelWithRunningWorker(t *testing.T) {
	gs := &gateSenders{}
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, httpChannel("c", "o")), func(o *Options) {
		o.Senders = gs.factory
	})
	h.f.HandleData(testPort, []byte("a\nb\n"))
	require.Equal(t, 2, h.metrics("c").QueueLength)

	h.f.tick(context.Background(), false)
	s := gs.get(0)
	require.NotNil(t, s)
	waitEntered(t, s)

	done := make(chan struct{})
	go func() {
		h.f.tick(context.Background(), true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second tick blocked on a busy channel")
	}
	_, _, _, keys := s.state()
	assert.Len(t, keys, 1, "second tick must not start another send")

	close(s.release)
	h.f.workers.Wait()

	_, _, maxInFlight, keys := s.state()
	assert.Equal(t, 1, maxInFlight)
	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1], "each queued item is delivered once")
	m := h.metrics("c")
	assert.Equal(t, uint64(2), m.Sent)
	assert.Equal(t, 0, m.QueueLength)
}
