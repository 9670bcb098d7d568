package observability

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/PortRelay/internal/ports"
)

// Metric names understood by PromObs. Label values are passed positionally
// in the order listed next to each name.
const (
	MetricFrames          = "portrelay_frames_total"                // port
	MetricFramingDropped  = "portrelay_framing_dropped_bytes_total" // port
	MetricRecords         = "portrelay_records_admitted_total"      // port
	MetricParseFailures   = "portrelay_parse_failures_total"        // port
	MetricSent            = "portrelay_channel_sent_total"          // channel
	MetricFailed          = "portrelay_channel_failed_total"        // channel
	MetricDropped         = "portrelay_channel_dropped_total"       // channel, reason
	MetricDeduplicated    = "portrelay_channel_deduplicated_total"  // channel
	MetricAlerts          = "portrelay_alerts_total"                // kind
	MetricQueueLength     = "portrelay_channel_queue_length"        // channel
	MetricPortEpoch       = "portrelay_port_epoch"                  // port
	MetricSendLatency     = "portrelay_send_latency_seconds"        // channel
	MetricForwarderActive = "portrelay_forwarder_enabled"
)

type PromObs struct {
	logger   *slog.Logger
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	histos   map[string]*prometheus.HistogramVec
}

// NewPromObs registers the PortRelay collectors on reg (the default
// registerer when nil) and logs through logger.
func NewPromObs(reg prometheus.Registerer, logger *slog.Logger) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	}

	p := &PromObs{
		logger: logger,
		counters: map[string]*prometheus.CounterVec{
			MetricFrames:         counter(MetricFrames, "Frames extracted from serial ports.", "port"),
			MetricFramingDropped: counter(MetricFramingDropped, "Bytes discarded by the frame extractor.", "port"),
			MetricRecords:        counter(MetricRecords, "Records admitted to the record history.", "port"),
			MetricParseFailures:  counter(MetricParseFailures, "Frames the parse rule rejected.", "port"),
			MetricSent:           counter(MetricSent, "Batches delivered to a channel.", "channel"),
			MetricFailed:         counter(MetricFailed, "Failed send attempts and enqueue failures.", "channel"),
			MetricDropped:        counter(MetricDropped, "Records or batches dropped without delivery.", "channel", "reason"),
			MetricDeduplicated:   counter(MetricDeduplicated, "Records suppressed by the dedup window.", "channel"),
			MetricAlerts:         counter(MetricAlerts, "Alerts emitted.", "kind"),
		},
		gauges: map[string]*prometheus.GaugeVec{
			MetricQueueLength:     gauge(MetricQueueLength, "Pending items in a channel's durable queue.", "channel"),
			MetricPortEpoch:       gauge(MetricPortEpoch, "Open count of a serial port in this process.", "port"),
			MetricForwarderActive: gauge(MetricForwarderActive, "1 when forwarding is globally enabled."),
		},
		histos: map[string]*prometheus.HistogramVec{
			MetricSendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    MetricSendLatency,
				Help:    "Latency of successful sends.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			}, []string{"channel"}),
		},
	}

	for _, c := range p.counters {
		reg.MustRegister(c)
	}
	for _, g := range p.gauges {
		reg.MustRegister(g)
	}
	for _, h := range p.histos {
		reg.MustRegister(h)
	}
	return p
}

// Logger returns the slog logger the adapter writes to.
func (p *PromObs) Logger() *slog.Logger { return p.logger }

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs(fields)...)
}

func (p *PromObs) LogWarn(msg string, fields ...ports.Field) {
	p.logger.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	a := attrs(fields)
	if err != nil {
		a = append(a, slog.String("err", err.Error()))
	}
	p.logger.LogAttrs(context.Background(), slog.LevelError, msg, a...)
}

func attrs(fields []ports.Field) []slog.Attr {
	out := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

func (p *PromObs) IncCounter(name string, v float64, labels ...string) {
	c, ok := p.counters[name]
	if !ok {
		return
	}
	m, err := c.GetMetricWithLabelValues(labels...)
	if err != nil {
		p.logger.Debug("observability: bad counter labels", "metric", name, "err", err)
		return
	}
	m.Add(v)
}

func (p *PromObs) ObserveLatency(name string, seconds float64, labels ...string) {
	h, ok := p.histos[name]
	if !ok {
		return
	}
	m, err := h.GetMetricWithLabelValues(labels...)
	if err != nil {
		p.logger.Debug("observability: bad histogram labels", "metric", name, "err", err)
		return
	}
	m.Observe(seconds)
}

func (p *PromObs) SetGauge(name string, v float64, labels ...string) {
	g, ok := p.gauges[name]
	if !ok {
		return
	}
	m, err := g.GetMetricWithLabelValues(labels...)
	if err != nil {
		p.logger.Debug("observability: bad gauge labels", "metric", name, "err", err)
		return
	}
	m.Set(v)
}

// ForgetChannel removes the series of a channel that no longer exists.
func (p *PromObs) ForgetChannel(channelID string) {
	match := prometheus.Labels{"channel": channelID}
	for _, name := range []string{MetricSent, MetricFailed, MetricDropped, MetricDeduplicated} {
		p.counters[name].DeletePartialMatch(match)
	}
	p.gauges[MetricQueueLength].DeletePartialMatch(match)
	p.histos[MetricSendLatency].DeletePartialMatch(match)
}

var _ ports.Observability = (*PromObs)(nil)
