package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ghalamif/PortRelay/internal/adapters/observability"
	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

const (
	AlertQueueLength = "queue_length"
	AlertFailureRate = "failure_rate"
)

// AlertThresholds configures the push alerts. A zero threshold disables that
// alert kind.
type AlertThresholds struct {
	QueueLength int
	FailureRate float64
	// MinSamples is the sent+failed count a channel needs before its failure
	// rate is judged.
	MinSamples uint64
	Cooldown   time.Duration
}

// Alert is emitted when a channel crosses a threshold.
type Alert struct {
	Kind      string    `json:"kind"`
	ChannelID string    `json:"channelId"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
	Message   string    `json:"message"`
}

// Key identifies the alert for cooldown purposes.
func (a Alert) Key() string { return a.Kind + ":" + a.ChannelID }

type alertState struct {
	th       AlertThresholds
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newAlertState(th AlertThresholds) *alertState {
	if th.Cooldown <= 0 {
		th.Cooldown = 5 * time.Minute
	}
	return &alertState{th: th, limiters: make(map[string]*rate.Limiter)}
}

// evaluate returns the alerts that crossed a threshold and are out of their
// cooldown.
func (s *alertState) evaluate(snap map[string]domain.ChannelMetrics, now time.Time) []Alert {
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Alert
	for _, id := range ids {
		m := snap[id]
		if s.th.QueueLength > 0 && m.QueueLength >= s.th.QueueLength {
			out = append(out, Alert{
				Kind: AlertQueueLength, ChannelID: id, At: now,
				Value: float64(m.QueueLength), Threshold: float64(s.th.QueueLength),
				Message: fmt.Sprintf("queue length %d reached threshold %d", m.QueueLength, s.th.QueueLength),
			})
		}
		if s.th.FailureRate > 0 && m.Sent+m.Failed >= s.th.MinSamples && m.Sent+m.Failed > 0 {
			if r := m.FailureRate(); r >= s.th.FailureRate {
				out = append(out, Alert{
					Kind: AlertFailureRate, ChannelID: id, At: now,
					Value: r, Threshold: s.th.FailureRate,
					Message: fmt.Sprintf("failure rate %.2f reached threshold %.2f", r, s.th.FailureRate),
				})
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := out[:0]
	for _, a := range out {
		lim, ok := s.limiters[a.Key()]
		if !ok {
			lim = rate.NewLimiter(rate.Every(s.th.Cooldown), 1)
			s.limiters[a.Key()] = lim
		}
		if lim.AllowN(now, 1) {
			kept = append(kept, a)
		}
	}
	return kept
}

// forget drops cooldown state of a removed channel.
func (s *alertState) forget(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, AlertQueueLength+":"+channelID)
	delete(s.limiters, AlertFailureRate+":"+channelID)
}

type subscriptions struct {
	mu      sync.Mutex
	next    int
	metrics map[int]func(map[string]domain.ChannelMetrics)
	alerts  map[int]func(Alert)
}

// OnMetrics registers cb for every metrics push. Callbacks run on the
// forwarder's goroutines and must not block.
func (f *Forwarder) OnMetrics(cb func(map[string]domain.ChannelMetrics)) (unsubscribe func()) {
	s := &f.subs
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == nil {
		s.metrics = make(map[int]func(map[string]domain.ChannelMetrics))
	}
	id := s.next
	s.next++
	s.metrics[id] = cb
	return func() {
		s.mu.Lock()
		delete(s.metrics, id)
		s.mu.Unlock()
	}
}

// OnAlert registers cb for threshold alerts.
func (f *Forwarder) OnAlert(cb func(Alert)) (unsubscribe func()) {
	s := &f.subs
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alerts == nil {
		s.alerts = make(map[int]func(Alert))
	}
	id := s.next
	s.next++
	s.alerts[id] = cb
	return func() {
		s.mu.Lock()
		delete(s.alerts, id)
		s.mu.Unlock()
	}
}

// publish pushes a metrics snapshot to subscribers and emits due alerts. It
// must be called without f.mu held.
func (f *Forwarder) publish() {
	f.subs.mu.Lock()
	metricCbs := make([]func(map[string]domain.ChannelMetrics), 0, len(f.subs.metrics))
	for _, cb := range f.subs.metrics {
		metricCbs = append(metricCbs, cb)
	}
	alertCbs := make([]func(Alert), 0, len(f.subs.alerts))
	for _, cb := range f.subs.alerts {
		alertCbs = append(alertCbs, cb)
	}
	f.subs.mu.Unlock()

	snap := f.MetricsSnapshot()
	for _, cb := range metricCbs {
		cb(snap)
	}

	for _, a := range f.alerts.evaluate(snap, f.now()) {
		f.obs.IncCounter(observability.MetricAlerts, 1, a.Kind)
		f.obs.LogWarn("alert", ports.F("kind", a.Kind), ports.F(observability.KeyChannelID, a.ChannelID),
			ports.F("value", a.Value), ports.F("threshold", a.Threshold))
		for _, cb := range alertCbs {
			cb(a)
		}
	}
}
