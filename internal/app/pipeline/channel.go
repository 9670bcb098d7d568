package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/ghalamif/PortRelay/internal/adapters/observability"
	"github.com/ghalamif/PortRelay/internal/adapters/sink"
	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

// channelRuntime is the mutable state of one channel. cfg, sender, buffer and
// dedup are guarded by the Forwarder mutex; metrics and parked by mu. busy
// admits one worker at a time and is only acquired under the Forwarder mutex.
type channelRuntime struct {
	id        string
	cfg       domain.ChannelConfig
	queue     ports.DurableQueue
	sender    ports.Sender
	senderKey string
	senderErr error

	buffer      []domain.Record
	bufferSince time.Time
	dedup       *dedupTable

	busy     atomic.Bool
	retired  atomic.Bool
	shutOnce sync.Once
	shutErr  error

	mu      sync.Mutex
	metrics domain.ChannelMetrics
	parked  []ports.Sender
}

// retire marks the runtime as removed. Whoever holds busy last (this call or
// the running worker) releases the sender and queue.
func (rt *channelRuntime) retire() error {
	rt.retired.Store(true)
	if rt.busy.CompareAndSwap(false, true) {
		return rt.shutdown()
	}
	return nil
}

// release ends a worker pass and closes the senders replaced while it ran.
func (rt *channelRuntime) release() error {
	rt.mu.Lock()
	parked := rt.parked
	rt.parked = nil
	rt.busy.Store(false)
	rt.mu.Unlock()

	err := closeSenders(parked)
	if rt.retired.Load() && rt.busy.CompareAndSwap(false, true) {
		err = multierr.Append(err, rt.shutdown())
	}
	return err
}

// parkOrClose disposes of a sender that is no longer installed. A running
// worker may still be inside Send on it, so it is handed to release instead.
func (rt *channelRuntime) parkOrClose(s ports.Sender) error {
	rt.mu.Lock()
	if rt.busy.Load() {
		rt.parked = append(rt.parked, s)
		rt.mu.Unlock()
		return nil
	}
	rt.mu.Unlock()
	return s.Close()
}

func (rt *channelRuntime) shutdown() error {
	rt.shutOnce.Do(func() {
		rt.mu.Lock()
		parked := rt.parked
		rt.parked = nil
		rt.mu.Unlock()
		rt.shutErr = closeSenders(parked)
		if rt.sender != nil {
			rt.shutErr = multierr.Append(rt.shutErr, rt.sender.Close())
		}
		rt.shutErr = multierr.Append(rt.shutErr, rt.queue.Close())
	})
	return rt.shutErr
}

func closeSenders(senders []ports.Sender) error {
	var err error
	for _, s := range senders {
		err = multierr.Append(err, s.Close())
	}
	return err
}

func (rt *channelRuntime) snapshot() domain.ChannelMetrics {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m := rt.metrics
	m.ChannelID = rt.id
	m.QueueLength = rt.queue.Size()
	return m
}

func (rt *channelRuntime) update(fn func(m *domain.ChannelMetrics)) {
	rt.mu.Lock()
	fn(&rt.metrics)
	rt.mu.Unlock()
}

// applyLocked installs cfg and reconciles the channel runtimes with it:
// new channels get a queue and sender, removed ones are retired, and a
// sender is rebuilt when its SenderKey changes.
func (f *Forwarder) applyLocked(cfg domain.ForwardingConfig) {
	f.cfg = cfg
	if cfg.Enabled {
		f.obs.SetGauge(observability.MetricForwarderActive, 1)
	} else {
		f.obs.SetGauge(observability.MetricForwarderActive, 0)
		for _, rt := range f.channels {
			f.dropBufferLocked(rt, "disabled")
		}
	}

	keep := make(map[string]struct{}, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		keep[ch.ID] = struct{}{}
		rt, ok := f.channels[ch.ID]
		if !ok {
			q, err := f.queues(ch.ID)
			if err != nil {
				f.obs.LogError("queue open failed; channel inactive", err, ports.F(observability.KeyChannelID, ch.ID))
				continue
			}
			rt = &channelRuntime{id: ch.ID, queue: q, dedup: newDedupTable(f.pol.DedupMaxEntries)}
			rt.metrics.ChannelID = ch.ID
			f.channels[ch.ID] = rt
			f.obs.LogInfo("channel added", ports.F(observability.KeyChannelID, ch.ID),
				ports.F(observability.KeyOwnerID, ch.OwnerID), ports.F("pending", q.Size()))
		}
		rt.cfg = ch
		if !ch.Enabled {
			f.dropBufferLocked(rt, "disabled")
		}
		f.reconcileSenderLocked(rt)
	}

	for id, rt := range f.channels {
		if _, ok := keep[id]; ok {
			continue
		}
		f.dropBufferLocked(rt, "removed")
		delete(f.channels, id)
		if err := rt.retire(); err != nil {
			f.obs.LogError("channel close failed", err, ports.F(observability.KeyChannelID, id))
		}
		f.alerts.forget(id)
		if fc, ok := f.obs.(interface{ ForgetChannel(string) }); ok {
			fc.ForgetChannel(id)
		}
		f.obs.LogInfo("channel removed", ports.F(observability.KeyChannelID, id))
	}
}

func (f *Forwarder) reconcileSenderLocked(rt *channelRuntime) {
	want := ""
	if rt.cfg.Enabled {
		want = sink.SenderKey(rt.cfg)
	}
	if want == rt.senderKey && (rt.sender != nil || rt.senderErr != nil || want == "") {
		return
	}
	if rt.sender != nil {
		if err := rt.parkOrClose(rt.sender); err != nil {
			f.obs.LogWarn("sender close failed", ports.F(observability.KeyChannelID, rt.id), ports.F("err", err.Error()))
		}
	}
	rt.sender, rt.senderErr, rt.senderKey = nil, nil, want
	if want == "" {
		return
	}
	s, err := f.senders(rt.cfg)
	if err != nil {
		rt.senderErr = err
		f.obs.LogError("sender build failed", err, ports.F(observability.KeyChannelID, rt.id))
		return
	}
	rt.sender = s
	f.obs.LogInfo("sender ready", ports.F(observability.KeyChannelID, rt.id), ports.F("transport", s.Name()))
}

func (f *Forwarder) dropBufferLocked(rt *channelRuntime, reason string) {
	n := len(rt.buffer)
	if n == 0 {
		return
	}
	rt.buffer = nil
	rt.update(func(m *domain.ChannelMetrics) { m.Dropped += uint64(n) })
	f.obs.IncCounter(observability.MetricDropped, float64(n), rt.id, reason)
}

type dedupEntry struct {
	hash string
	at   time.Time
}

// dedupTable remembers content hashes per channel. Entries older than the
// window are evicted on access and the table is capped, oldest first.
type dedupTable struct {
	seen  map[string]time.Time
	order []dedupEntry
	max   int
}

func newDedupTable(max int) *dedupTable {
	return &dedupTable{seen: make(map[string]time.Time), max: max}
}

// admit reports whether hash may pass and stamps it when it does. A
// suppressed repeat does not refresh the stamp.
func (d *dedupTable) admit(hash string, now time.Time, window time.Duration) bool {
	d.evict(now, window)
	if at, ok := d.seen[hash]; ok && now.Sub(at) < window {
		return false
	}
	d.seen[hash] = now
	d.order = append(d.order, dedupEntry{hash: hash, at: now})
	for len(d.seen) > d.max && len(d.order) > 0 {
		d.pop()
	}
	return true
}

func (d *dedupTable) evict(now time.Time, window time.Duration) {
	for len(d.order) > 0 && now.Sub(d.order[0].at) >= window {
		d.pop()
	}
}

func (d *dedupTable) pop() {
	e := d.order[0]
	d.order = d.order[1:]
	if at, ok := d.seen[e.hash]; ok && at.Equal(e.at) {
		delete(d.seen, e.hash)
	}
}

func (d *dedupTable) len() int { return len(d.seen) }
