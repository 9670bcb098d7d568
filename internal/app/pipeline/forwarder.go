// Package pipeline is the forwarding orchestrator. It turns port events into
// records, routes them to channels, and drives each channel's durable queue
// and sender.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/ghalamif/PortRelay/internal/adapters/configstore"
	"github.com/ghalamif/PortRelay/internal/adapters/observability"
	"github.com/ghalamif/PortRelay/internal/adapters/payload"
	"github.com/ghalamif/PortRelay/internal/adapters/queue"
	"github.com/ghalamif/PortRelay/internal/adapters/recordlog"
	"github.com/ghalamif/PortRelay/internal/adapters/sink"
	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/parse"
	"github.com/ghalamif/PortRelay/internal/ports"
)

var (
	ErrUnknownChannel  = errors.New("pipeline: unknown channel")
	ErrInvalidConfig   = errors.New("pipeline: invalid config")
	ErrDuplicateSource = errors.New("pipeline: duplicate enabled source on port")
	ErrClosed          = errors.New("pipeline: forwarder closed")
)

// Options wires a Forwarder. Only Obs is required in practice; every other
// collaborator has an in-memory or default implementation.
type Options struct {
	// Policy defaults to ports.DefaultPolicy when nil. Zero numeric knobs
	// of a non-nil Policy fall back to their defaults.
	Policy *ports.Policy
	// Store persists the forwarding config. Without it the config lives in
	// memory and starts from InitialConfig.
	Store         *configstore.Store[domain.ForwardingConfig]
	InitialConfig *domain.ForwardingConfig
	Queues        ports.QueueFactory
	Senders       sink.Factory
	Encoder       ports.PayloadEncoder
	RecordLog     ports.RecordLog
	Obs           ports.Observability
	Logs          *observability.LogRing
	Alerts        AlertThresholds
	Now           func() time.Time
}

// Forwarder is the orchestrator. HandleData and HandleStatus may be called
// from any goroutine; Run drives flushing and delivery.
type Forwarder struct {
	pol     ports.Policy
	store   *configstore.Store[domain.ForwardingConfig]
	queues  ports.QueueFactory
	senders sink.Factory
	encoder ports.PayloadEncoder
	records ports.RecordLog
	obs     ports.Observability
	logs    *observability.LogRing
	now     func() time.Time
	bootID  string
	parser  parse.Parser

	mu       sync.Mutex
	cfg      domain.ForwardingConfig
	ports    map[string]*portState
	channels map[string]*channelRuntime
	history  *recordRing
	closed   bool

	workers sync.WaitGroup

	alerts *alertState
	subs   subscriptions
}

// New loads the forwarding config (recovering it if needed) and builds the
// channel runtimes.
func New(opts Options) (*Forwarder, error) {
	if opts.Obs == nil {
		return nil, errors.New("pipeline: observability is required")
	}
	def := ports.DefaultPolicy()
	pol := def
	if opts.Policy != nil {
		pol = *opts.Policy
	}
	if pol.Tick <= 0 {
		pol.Tick = def.Tick
	}
	if pol.MaxItemsPerTick <= 0 {
		pol.MaxItemsPerTick = def.MaxItemsPerTick
	}
	if pol.TickBudget <= 0 {
		pol.TickBudget = def.TickBudget
	}
	if pol.SendTimeout <= 0 {
		pol.SendTimeout = def.SendTimeout
	}
	if pol.RecordHistory <= 0 {
		pol.RecordHistory = def.RecordHistory
	}
	if pol.DedupMaxEntries <= 0 {
		pol.DedupMaxEntries = def.DedupMaxEntries
	}
	if pol.MaxBackoff <= 0 {
		pol.MaxBackoff = def.MaxBackoff
	}

	f := &Forwarder{
		pol:      pol,
		store:    opts.Store,
		queues:   opts.Queues,
		senders:  opts.Senders,
		encoder:  opts.Encoder,
		records:  opts.RecordLog,
		obs:      opts.Obs,
		logs:     opts.Logs,
		now:      opts.Now,
		bootID:   uuid.NewString(),
		ports:    make(map[string]*portState),
		channels: make(map[string]*channelRuntime),
		history:  newRecordRing(pol.RecordHistory),
	}
	if f.queues == nil {
		f.queues = queue.MemFactory(0)
	}
	if f.senders == nil {
		f.senders = sink.NewFactory(nil)
	}
	if f.encoder == nil {
		f.encoder = payload.NewBuilder("")
	}
	if f.records == nil {
		f.records = recordlog.Discard{}
	}
	if f.now == nil {
		f.now = time.Now
	}
	f.alerts = newAlertState(opts.Alerts)

	cfg, err := f.loadConfig(opts.InitialConfig)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyLocked(cfg)
	return f, nil
}

func (f *Forwarder) loadConfig(initial *domain.ForwardingConfig) (domain.ForwardingConfig, error) {
	if f.store == nil {
		cfg := domain.DefaultForwardingConfig()
		if initial != nil {
			cfg = initial.Clone()
		}
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		f.resolveDuplicates(&cfg)
		return cfg, nil
	}

	def := domain.DefaultForwardingConfig()
	if initial != nil {
		def = initial.Clone()
		def.ApplyDefaults()
	}
	cfg, rec, err := f.store.ReadWithRecovery(def, func(c domain.ForwardingConfig) error {
		c.ApplyDefaults()
		return c.Validate()
	})
	if err != nil {
		f.obs.LogError("forwarding config could not be persisted", err, ports.F("path", f.store.Path))
	}
	if rec.Source != configstore.SourceMain {
		f.obs.LogWarn("forwarding config recovered",
			ports.F("source", string(rec.Source)),
			ports.F("archived", rec.Archived),
			ports.F("causes", multierr.Combine(rec.Causes...)))
	}
	cfg.ApplyDefaults()
	if f.resolveDuplicates(&cfg) {
		if _, err := f.store.WriteAtomic(cfg); err != nil {
			f.obs.LogError("forwarding config write failed", err)
		}
	}
	return cfg, nil
}

// resolveDuplicates disables every enabled source that shares a port with an
// earlier enabled source. It reports whether cfg changed.
func (f *Forwarder) resolveDuplicates(cfg *domain.ForwardingConfig) bool {
	conflicts := cfg.DuplicateSources()
	for _, c := range conflicts {
		for i := range cfg.Sources {
			if cfg.Sources[i].ID == c.Duplicate.ID {
				cfg.Sources[i].Enabled = false
			}
		}
		f.obs.LogError("duplicate source disabled", ErrDuplicateSource,
			ports.F(observability.KeyPortPath, c.PortPath),
			ports.F(observability.KeyOwnerID, c.Duplicate.OwnerID),
			ports.F("keptSource", c.Kept.ID),
			ports.F("keptOwner", c.Kept.OwnerID),
			ports.F("disabledSource", c.Duplicate.ID))
	}
	return len(conflicts) > 0
}

// BootID identifies this process run in the batches it cuts.
func (f *Forwarder) BootID() string { return f.bootID }

// Run flushes buffers and drives the channel workers every tick until ctx is
// cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.pol.Tick)
	defer ticker.Stop()
	flushEvery := time.NewTicker(time.Second)
	defer flushEvery.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-flushEvery.C:
			if err := f.records.Flush(); err != nil {
				f.obs.LogWarn("record log flush failed", ports.F("err", err.Error()))
			}
		case <-ticker.C:
			f.tick(ctx, false)
		}
	}
}

// tick cuts due batches and starts one worker per idle channel. With wait
// set it runs the workers inline.
func (f *Forwarder) tick(ctx context.Context, wait bool) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	now := f.now()
	f.flushDueLocked(now)
	var due []*channelRuntime
	if f.cfg.Enabled {
		for _, rt := range f.channels {
			if rt.cfg.Enabled && rt.busy.CompareAndSwap(false, true) {
				due = append(due, rt)
			}
		}
	}
	f.workers.Add(len(due))
	f.mu.Unlock()

	for _, rt := range due {
		if wait {
			f.work(ctx, rt)
			continue
		}
		go f.work(ctx, rt)
	}
}

// Close stops accepting events, waits for in-flight workers and releases
// senders, queues and the record log. Queue contents stay on disk.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.workers.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	for id, rt := range f.channels {
		err = multierr.Append(err, rt.retire())
		delete(f.channels, id)
	}
	err = multierr.Append(err, f.records.Close())
	return err
}
