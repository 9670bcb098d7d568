package observability

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ghalamif/PortRelay/internal/ports"
)

func TestPromObsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewPromObs(reg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	obs.IncCounter(MetricSent, 5, "ch-1")
	if got := testutil.ToFloat64(obs.counters[MetricSent].WithLabelValues("ch-1")); got != 5 {
		t.Fatalf("expected sent counter 5, got %f", got)
	}

	obs.IncCounter(MetricDropped, 2, "ch-1", "stale")
	if got := testutil.ToFloat64(obs.counters[MetricDropped].WithLabelValues("ch-1", "stale")); got != 2 {
		t.Fatalf("expected dropped counter 2, got %f", got)
	}

	// Wrong label arity and unknown names are ignored.
	obs.IncCounter(MetricDropped, 1, "ch-1")
	obs.IncCounter("nope", 1)

	obs.SetGauge(MetricQueueLength, 42, "ch-1")
	if got := testutil.ToFloat64(obs.gauges[MetricQueueLength].WithLabelValues("ch-1")); got != 42 {
		t.Fatalf("expected queue gauge 42, got %f", got)
	}

	obs.ObserveLatency(MetricSendLatency, 0.5, "ch-1")
	if samples := testutil.CollectAndCount(obs.histos[MetricSendLatency]); samples != 1 {
		t.Fatalf("expected latency histogram to record 1 sample, got %d", samples)
	}

	obs.ForgetChannel("ch-1")
	if n := testutil.CollectAndCount(obs.counters[MetricSent]); n != 0 {
		t.Fatalf("expected channel series to be removed, got %d", n)
	}
	if n := testutil.CollectAndCount(obs.histos[MetricSendLatency]); n != 0 {
		t.Fatalf("expected latency series to be removed, got %d", n)
	}
}

func TestPromObsLogsThroughRing(t *testing.T) {
	ring := NewLogRing(10, nil)
	obs := NewPromObs(prometheus.NewRegistry(), slog.New(ring))

	obs.LogInfo("batch sent", ports.F(KeyChannelID, "ch-1"))
	obs.LogError("send failed", errors.New("boom"), ports.F(KeyChannelID, "ch-2"), ports.F("attempt", 3))

	entries := ring.Query(LogQuery{ChannelID: "ch-2"})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Level != "ERROR" || entries[0].Attrs["err"] != "boom" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
}
