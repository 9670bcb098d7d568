package portrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ghalamif/PortRelay/internal/adapters/configstore"
	"github.com/ghalamif/PortRelay/internal/adapters/observability"
	"github.com/ghalamif/PortRelay/internal/adapters/payload"
	"github.com/ghalamif/PortRelay/internal/adapters/queue"
	"github.com/ghalamif/PortRelay/internal/adapters/recordlog"
	"github.com/ghalamif/PortRelay/internal/adapters/serial"
	"github.com/ghalamif/PortRelay/internal/adapters/sink"
	"github.com/ghalamif/PortRelay/internal/app/httpapi"
	"github.com/ghalamif/PortRelay/internal/app/pipeline"
	"github.com/ghalamif/PortRelay/internal/domain"
)

// ErrRuntimeStarted is returned by a second Start.
var ErrRuntimeStarted = errors.New("portrelay: runtime already started")

const shutdownTimeout = 5 * time.Second

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	portManager   PortManager
	senders       SenderFactory
	queues        QueueFactory
	recordLog     RecordLog
	observability Observability
	logger        *slog.Logger
	registry      *prometheus.Registry
	initial       *ForwardingConfig
}

// WithPortManager replaces the serial port manager (simulators, PortFeed, bridges).
func WithPortManager(pm PortManager) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.portManager = pm
	}
}

// WithSenderFactory builds channel senders from a custom factory instead of
// the configured transports.
func WithSenderFactory(f SenderFactory) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.senders = f
	}
}

// WithQueueFactory swaps the on-disk channel queues, e.g. for queue.MemFactory.
func WithQueueFactory(f QueueFactory) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.queues = f
	}
}

// WithRecordLog replaces the record log and the TimescaleDB archive.
func WithRecordLog(l RecordLog) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.recordLog = l
	}
}

// WithObservability plugs in a custom metrics and logging backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithLogger sets the base logger. Its records are still captured by the
// in-memory log ring served on /api/logs.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = l
	}
}

// WithRegistry registers metrics on reg and serves it on /metrics.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// WithForwardingConfig seeds sources and channels when no forwarding config
// has been saved yet.
func WithForwardingConfig(cfg ForwardingConfig) RuntimeOption {
	return func(o *runtimeOverrides) {
		c := cfg.Clone()
		o.initial = &c
	}
}

// Runtime wires port manager → forwarder → channel queues → senders and
// serves the operator API, for embedding PortRelay inside any Go service.
type Runtime struct {
	cfg      *Config
	logger   *slog.Logger
	logs     *observability.LogRing
	registry *prometheus.Registry
	ports    PortManager
	fwd      *pipeline.Forwarder
	db       *sql.DB
	api      *httpapi.Server

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	groupCtx context.Context
	srv      *http.Server
}

// NewLogHandler builds the handler for cfg: colored tint output for "text",
// slog JSON for "json".
func NewLogHandler(cfg LogConfig, w io.Writer) slog.Handler {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.DateTime})
}

// NewRuntime bootstraps the default adapters (serial port manager, file
// queues, record log with optional TimescaleDB archive, Prometheus
// observability). RuntimeOption values override any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (rt *Runtime, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	base := overrides.logger
	if base == nil {
		base = slog.New(NewLogHandler(cfg.Log, os.Stderr))
	}
	ring := observability.NewLogRing(cfg.Forwarder.LogHistory, base.Handler())
	logger := slog.New(ring)

	reg := overrides.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	obs := overrides.observability
	if obs == nil {
		obs = observability.NewPromObs(reg, logger)
	}

	r := &Runtime{cfg: cfg, logger: logger, logs: ring, registry: reg}
	defer func() {
		if err != nil && r.db != nil {
			_ = r.db.Close()
		}
	}()

	queues := overrides.queues
	if queues == nil {
		queues = queue.FileFactory(cfg.QueueDir(),
			queue.WithMaxItems(cfg.Forwarder.MaxQueueItems),
			queue.WithLogger(logger))
	}

	records := overrides.recordLog
	if records == nil {
		records, err = r.openRecordLog()
		if err != nil {
			return nil, err
		}
	}

	senders := overrides.senders
	if senders == nil {
		senders = sink.NewFactory(logger)
	}

	pm := overrides.portManager
	if pm == nil {
		pm = serial.NewManager(cfg.Serial.PortConfigs(), serial.WithLogger(logger))
	}
	r.ports = pm

	pol := cfg.Policy()
	fwd, err := pipeline.New(pipeline.Options{
		Policy:        &pol,
		Store:         configstore.New[domain.ForwardingConfig](cfg.ForwardingPath(), logger),
		InitialConfig: overrides.initial,
		Queues:        queues,
		Senders:       senders,
		Encoder:       payload.NewBuilder(cfg.Forwarder.Secret),
		RecordLog:     records,
		Obs:           obs,
		Logs:          ring,
		Alerts:        alertThresholds(cfg.Alerts),
	})
	if err != nil {
		_ = records.Close()
		return nil, err
	}
	r.fwd = fwd
	r.api = httpapi.NewServer(fwd, reg, logger)
	return r, nil
}

func alertThresholds(c AlertConfig) pipeline.AlertThresholds {
	samples := c.MinSamples
	if samples < 0 {
		samples = 0
	}
	return pipeline.AlertThresholds{
		QueueLength: c.QueueLength,
		FailureRate: c.FailureRate,
		MinSamples:  uint64(samples),
		Cooldown:    c.Cooldown,
	}
}

// openRecordLog opens the daily JSONL log and, when a connection string is
// configured, fans records out to TimescaleDB as well. An unreachable
// database is logged and retried on every flush.
func (r *Runtime) openRecordLog() (RecordLog, error) {
	rc := r.cfg.RecordLog
	file, err := recordlog.OpenFileLog(rc.Dir,
		recordlog.WithRetentionDays(rc.RetentionDays),
		recordlog.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}
	if rc.Timescale.ConnString == "" {
		return file, nil
	}

	db, err := recordlog.OpenTimescale(rc.Timescale.ConnString)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	archive, err := recordlog.NewTimescaleArchive(db, rc.Timescale.Table)
	if err != nil {
		_ = db.Close()
		_ = file.Close()
		return nil, err
	}
	r.db = db

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := archive.EnsureSchema(ctx); err != nil {
		r.logger.Warn("timescale schema check failed", "table", rc.Timescale.Table, "err", err)
	}
	return recordlog.Fanout(file, archive), nil
}

// Forwarder exposes the orchestrator for configuration and inspection.
func (r *Runtime) Forwarder() *pipeline.Forwarder { return r.fwd }

// Logger returns the logger whose records feed /api/logs.
func (r *Runtime) Logger() *slog.Logger { return r.logger }

// Handler returns the operator API (including /metrics) without starting a
// listener, for callers that mount it on their own server.
func (r *Runtime) Handler() http.Handler { return r.api.Handler() }

// Start attaches the port manager, launches the forwarder loop and the
// metrics server. It returns immediately; call Run to block on a context
// instead.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrRuntimeStarted
	}
	if err := r.ports.Start(r.fwd); err != nil {
		return fmt.Errorf("start port manager: %w", err)
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	r.group, r.groupCtx = errgroup.WithContext(ctx)
	gctx := r.groupCtx
	r.group.Go(func() error { return r.fwd.Run(gctx) })

	if addr := r.cfg.Metrics.Addr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: r.api.Handler(), ReadHeaderTimeout: 5 * time.Second}
		r.srv = srv
		r.group.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	r.logger.Info("portrelay started",
		"bootId", r.fwd.BootID(),
		"metrics", r.cfg.Metrics.Addr,
		"dataDir", r.cfg.DataDir)
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled or a component
// fails, then shuts down gracefully.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	done := r.groupCtx.Done()
	r.mu.Unlock()
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Shutdown stops the port manager, the metrics server and the forwarder,
// then closes the database connection. Queue contents stay on disk.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = false
	cancel, group, srv := r.cancel, r.group, r.srv
	r.cancel, r.group, r.srv = nil, nil, nil
	r.mu.Unlock()

	var err error
	if started {
		err = multierr.Append(err, r.ports.Stop())
	}
	if srv != nil {
		if serr := srv.Shutdown(ctx); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			err = multierr.Append(err, serr)
		}
	}
	if cancel != nil {
		cancel()
	}
	if group != nil {
		err = multierr.Append(err, group.Wait())
	}
	err = multierr.Append(err, r.fwd.Close())
	if r.db != nil {
		err = multierr.Append(err, r.db.Close())
		r.db = nil
	}
	if err == nil {
		r.logger.Info("portrelay stopped")
	}
	return err
}
