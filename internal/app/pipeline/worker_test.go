package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/PortRelay/internal/adapters/observability"
	"github.com/ghalamif/PortRelay/internal/adapters/queue"
	"github.com/ghalamif/PortRelay/internal/adapters/sink"
	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

func networkErr() error {
	return &sink.SendError{Kind: sink.KindNetwork, Transport: "fake", Err: errors.New("connection refused")}
}

// queueWith returns a queue already holding batches, as if recovered from a
// previous run.
func queueWith(t *testing.T, batches ...domain.OutboundBatch) *queue.MemQueue {
	t.Helper()
	q := queue.NewMemQueue(0)
	for _, b := range batches {
		if b.CreatedAt.IsZero() {
			b.CreatedAt = time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)
		}
		_, err := q.Enqueue(b)
		require.NoError(t, err)
	}
	return q
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, 0, time.Minute))
	assert.Equal(t, 8*time.Second, Backoff(time.Second, 3, time.Minute))
	assert.Equal(t, time.Minute, Backoff(time.Second, 10, time.Minute))
	assert.Equal(t, time.Minute, Backoff(time.Second, 200, time.Minute))
}

func TestAtLeastOnceRetriesWithBackoff(t *testing.T) {
	ch := httpChannel("c", "o")
	ch.RetryBaseDelayMs = 1000
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, ch))
	h.senders.fail(networkErr(), networkErr())

	h.f.HandleData(testPort, []byte("a\n"))
	h.tick()

	view, err := h.f.QueueSnapshot("c", 10)
	require.NoError(t, err)
	require.Len(t, view, 1)
	assert.Equal(t, 1, view[0].Attempts)
	assert.Equal(t, h.clock.Now().Add(time.Second), view[0].NextAttemptAt)

	// Not due yet.
	h.tick()
	assert.Equal(t, 1, h.senders.attempts())

	h.clock.Advance(time.Second)
	h.tick()
	view, err = h.f.QueueSnapshot("c", 10)
	require.NoError(t, err)
	require.Len(t, view, 1)
	assert.Equal(t, 2, view[0].Attempts)
	assert.Equal(t, h.clock.Now().Add(2*time.Second), view[0].NextAttemptAt)

	h.clock.Advance(2 * time.Second)
	h.tick()
	m := h.metrics("c")
	assert.Equal(t, uint64(1), m.Sent)
	assert.Equal(t, uint64(2), m.Failed)
	assert.Equal(t, 0, m.QueueLength)
	assert.Contains(t, m.LastError, "connection refused")

	sends := h.senders.deliveries()
	require.Len(t, sends, 3)
	assert.Equal(t, sends[0].key, sends[2].key, "retries reuse the idempotency key")
}

func TestAtMostOnceDropsOnTransientFailure(t *testing.T) {
	ch := httpChannel("c", "o")
	ch.DeliveryMode = domain.AtMostOnce
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, ch))
	h.senders.fail(networkErr())

	h.f.HandleData(testPort, []byte("a\n"))
	h.tick()

	m := h.metrics("c")
	assert.Equal(t, uint64(1), m.Failed)
	assert.Equal(t, uint64(1), m.Dropped)
	assert.Equal(t, 0, m.QueueLength)
	assert.Equal(t, 1.0, h.obs.counter(observability.MetricDropped, "c", "at_most_once"))
}

func TestAtMostOnceRetriesRemoteRejection(t *testing.T) {
	ch := httpChannel("c", "o")
	ch.DeliveryMode = domain.AtMostOnce
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, ch))
	h.senders.fail(&sink.SendError{Kind: sink.KindRemote, Transport: "fake", StatusCode: 500, Err: errors.New("boom")})

	h.f.HandleData(testPort, []byte("a\n"))
	h.tick()

	m := h.metrics("c")
	assert.Equal(t, uint64(0), m.Dropped)
	assert.Equal(t, 1, m.QueueLength)
}

func TestMaxAttemptsDropsItem(t *testing.T) {
	ch := httpChannel("c", "o")
	ch.RetryMaxAttempts = 2
	ch.RetryBaseDelayMs = 100
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, ch))
	h.senders.fail(networkErr(), networkErr(), networkErr())

	h.f.HandleData(testPort, []byte("a\n"))
	h.tick()
	h.clock.Advance(100 * time.Millisecond)
	h.tick()

	m := h.metrics("c")
	assert.Equal(t, uint64(2), m.Failed)
	assert.Equal(t, uint64(1), m.Dropped)
	assert.Equal(t, 0, m.QueueLength)
	assert.Equal(t, 2, h.senders.attempts())
	assert.Equal(t, 1.0, h.obs.counter(observability.MetricDropped, "c", "max_attempts"))
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	ch := httpChannel("c", "o")
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, ch))
	h.senders.fail(&sink.SendError{Kind: sink.KindRemote, Transport: "fake", StatusCode: 429, RetryAfter: 7 * time.Second, Err: errors.New("slow down")})

	h.f.HandleData(testPort, []byte("a\n"))
	h.tick()

	view, err := h.f.QueueSnapshot("c", 1)
	require.NoError(t, err)
	require.Len(t, view, 1)
	assert.Equal(t, h.clock.Now().Add(7*time.Second), view[0].NextAttemptAt)
}

func TestStaleBatchDroppedAfterReopen(t *testing.T) {
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, httpChannel("c", "o")))

	h.open("s1")
	h.f.HandleData(testPort, []byte("a\n"))
	view, err := h.f.QueueSnapshot("", 10)
	require.NoError(t, err)
	require.Len(t, view, 1)
	assert.False(t, view[0].Stale)

	h.open("s2")
	view, err = h.f.QueueSnapshot("", 10)
	require.NoError(t, err)
	require.Len(t, view, 1)
	assert.True(t, view[0].Stale)

	h.tick()
	assert.Zero(t, h.senders.attempts())
	m := h.metrics("c")
	assert.Equal(t, uint64(1), m.Stale)
	assert.Equal(t, 0, m.QueueLength)
}

func TestNewDefaultsPolicyWhenUnset(t *testing.T) {
	f, err := New(Options{Obs: newFakeObs()})
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, ports.DefaultPolicy(), f.pol)

	pol := ports.Policy{Tick: time.Second}
	f2, err := New(Options{Obs: newFakeObs(), Policy: &pol})
	require.NoError(t, err)
	defer f2.Close()
	assert.Equal(t, time.Second, f2.pol.Tick)
	assert.Equal(t, ports.DefaultPolicy().MaxItemsPerTick, f2.pol.MaxItemsPerTick)
	assert.False(t, f2.pol.DropStaleBatchesOnPortReopen)
}

func TestStaleCheckCanBeDisabled(t *testing.T) {
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, httpChannel("c", "o")), func(o *Options) {
		pol := ports.DefaultPolicy()
		pol.DropStaleBatchesOnPortReopen = false
		o.Policy = &pol
	})

	h.open("s1")
	h.f.HandleData(testPort, []byte("a\n"))
	h.open("s2")
	h.tick()
	assert.Equal(t, 1, h.senders.attempts())
}

func TestBatchesFromEarlierBootAreNeverStale(t *testing.T) {
	q := queueWith(t, domain.OutboundBatch{
		ID:      "old",
		BootID:  "previous-run",
		Records: []domain.Record{{ID: "r"}},
		Ports:   map[string]domain.PortSnapshot{testPort: {Epoch: 9, SessionID: "gone"}},
	})
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, httpChannel("c", "o")), func(o *Options) {
		o.Queues = func(string) (ports.DurableQueue, error) { return q, nil }
	})

	h.open("s1")
	h.tick()
	assert.Equal(t, 1, h.senders.attempts())
	assert.Equal(t, uint64(1), h.metrics("c").Sent)
}

func TestEncodeFailureIsRetried(t *testing.T) {
	ch := httpChannel("c", "o")
	ch.Encryption = domain.EncryptionAES256GCM
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, ch))

	h.f.HandleData(testPort, []byte("a\n"))
	h.tick()

	m := h.metrics("c")
	assert.Zero(t, h.senders.attempts())
	assert.Equal(t, uint64(1), m.Failed)
	assert.Equal(t, 1, m.QueueLength)
	assert.Contains(t, m.LastError, "secret")
}

func TestDisabledForwarderHaltsDelivery(t *testing.T) {
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, httpChannel("c", "o")))
	h.f.HandleData(testPort, []byte("a\n"))

	require.NoError(t, h.f.SetEnabled(false))
	h.tick()
	assert.Zero(t, h.senders.attempts())
	assert.Equal(t, 1, h.metrics("c").QueueLength)

	h.f.HandleData(testPort, []byte("b\n"))
	assert.Len(t, h.f.RecentRecords(0), 1)

	require.NoError(t, h.f.SetEnabled(true))
	h.tick()
	assert.Equal(t, 1, h.senders.attempts())
}
