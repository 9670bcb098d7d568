package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

const testPort = "/dev/ttyUSB0"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type logLine struct {
	level string
	msg   string
	err   error
}

type fakeObs struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
	logs     []logLine
}

func newFakeObs() *fakeObs {
	return &fakeObs{counters: map[string]float64{}, gauges: map[string]float64{}}
}

func metricKey(name string, labels []string) string {
	return strings.Join(append([]string{name}, labels...), "|")
}

func (o *fakeObs) LogInfo(msg string, _ ...ports.Field) { o.log("info", msg, nil) }
func (o *fakeObs) LogWarn(msg string, _ ...ports.Field) { o.log("warn", msg, nil) }
func (o *fakeObs) LogError(msg string, err error, _ ...ports.Field) {
	o.log("error", msg, err)
}

func (o *fakeObs) log(level, msg string, err error) {
	o.mu.Lock()
	o.logs = append(o.logs, logLine{level: level, msg: msg, err: err})
	o.mu.Unlock()
}

func (o *fakeObs) IncCounter(name string, v float64, labels ...string) {
	o.mu.Lock()
	o.counters[metricKey(name, labels)] += v
	o.mu.Unlock()
}

func (o *fakeObs) ObserveLatency(string, float64, ...string) {}

func (o *fakeObs) SetGauge(name string, v float64, labels ...string) {
	o.mu.Lock()
	o.gauges[metricKey(name, labels)] = v
	o.mu.Unlock()
}

func (o *fakeObs) counter(name string, labels ...string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters[metricKey(name, labels)]
}

func (o *fakeObs) loggedError(target error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, l := range o.logs {
		if l.err != nil && errors.Is(l.err, target) {
			return true
		}
	}
	return false
}

type sent struct {
	body    []byte
	headers map[string]string
	key     string
}

// fakeSenders builds fakeSender values that share one scripted outcome list:
// each Send pops the next error, and succeeds once the list is empty.
type fakeSenders struct {
	mu       sync.Mutex
	outcomes []error
	sends    []sent
	built    []*fakeSender
}

func (fs *fakeSenders) factory(ch domain.ChannelConfig) (ports.Sender, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	s := &fakeSender{parent: fs, channel: ch.ID}
	fs.built = append(fs.built, s)
	return s, nil
}

func (fs *fakeSenders) fail(errs ...error) {
	fs.mu.Lock()
	fs.outcomes = append(fs.outcomes, errs...)
	fs.mu.Unlock()
}

func (fs *fakeSenders) deliveries() []sent {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]sent(nil), fs.sends...)
}

func (fs *fakeSenders) attempts() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.sends)
}

type fakeSender struct {
	parent  *fakeSenders
	channel string
	calls   int
	closed  bool
}

func (s *fakeSender) Name() string { return "fake" }

func (s *fakeSender) Send(_ context.Context, body []byte, headers map[string]string, opts ports.SendOptions) (time.Duration, error) {
	p := s.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	s.calls++
	p.sends = append(p.sends, sent{body: body, headers: headers, key: opts.IdempotencyKey})
	if len(p.outcomes) > 0 {
		err := p.outcomes[0]
		p.outcomes = p.outcomes[1:]
		if err != nil {
			return 0, err
		}
	}
	return 3 * time.Millisecond, nil
}

func (s *fakeSender) Close() error {
	s.parent.mu.Lock()
	s.closed = true
	s.parent.mu.Unlock()
	return nil
}

type harness struct {
	f       *Forwarder
	clock   *testClock
	obs     *fakeObs
	senders *fakeSenders
}

func newHarness(t *testing.T, cfg domain.ForwardingConfig, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{clock: newTestClock(), obs: newFakeObs(), senders: &fakeSenders{}}
	opts := Options{
		InitialConfig: &cfg,
		Senders:       h.senders.factory,
		Obs:           h.obs,
		Now:           h.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	h.f = f
	return h
}

// tick runs one synchronous forwarder pass.
func (h *harness) tick() { h.f.tick(context.Background(), true) }

func (h *harness) open(session string) { h.f.HandleStatus(testPort, domain.PortOpen, session) }

func (h *harness) metrics(channelID string) domain.ChannelMetrics {
	return h.f.MetricsSnapshot()[channelID]
}

func lineSource(owner string) domain.SourceRule {
	return domain.SourceRule{
		ID:       "src-" + owner,
		Enabled:  true,
		OwnerID:  owner,
		PortPath: testPort,
		Framing:  domain.FramingRule{Mode: domain.FramingLine},
		Parse:    domain.ParseRule{Mode: domain.ParseBinary},
	}
}

func httpChannel(id, owner string) domain.ChannelConfig {
	return domain.ChannelConfig{
		ID:        id,
		Name:      id,
		Enabled:   true,
		OwnerID:   owner,
		BatchSize: 1,
		Transport: domain.TransportConfig{
			Type: domain.TransportHTTP,
			HTTP: &domain.HTTPTransport{URL: "https://collector.example/ingest"},
		},
	}
}

func forwarding(sources []domain.SourceRule, channels ...domain.ChannelConfig) domain.ForwardingConfig {
	return domain.ForwardingConfig{
		Version:  domain.ForwardingConfigVersion,
		Enabled:  true,
		Sources:  sources,
		Channels: channels,
	}
}
