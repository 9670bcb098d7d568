package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/PortRelay/internal/adapters/observability"
	"github.com/ghalamif/PortRelay/internal/domain"
)

func rawTexts(recs []domain.Record) []string {
	out := make([]string, 0, len(recs))
	for i := range recs {
		out = append(out, string(recs[i].RawBytes()))
	}
	return out
}

func TestRegexSourceBatchesAndSends(t *testing.T) {
	src := lineSource("owner-1")
	src.Parse = domain.ParseRule{Mode: domain.ParseTextRegex, Regex: `^(?P<deviceId>\w+),(?P<type>\w+),(?P<value>[-\d.]+)$`}
	ch := httpChannel("ch-1", "owner-1")
	ch.BatchSize = 2
	h := newHarness(t, forwarding([]domain.SourceRule{src}, ch))

	h.open("session-1")
	h.f.HandleData(testPort, []byte("dev1,te"))
	h.f.HandleData(testPort, []byte("mp,21.5\r\ndev2,hum,40\r\n"))

	recs := h.f.RecentRecords(10)
	require.Len(t, recs, 2)
	assert.Equal(t, "dev1", recs[0].DeviceID)
	assert.Equal(t, "temp", recs[0].DataType)
	assert.Equal(t, "21.5", recs[0].Payload.Text)
	assert.Equal(t, uint64(1), recs[0].Sequence)
	assert.Equal(t, uint64(2), recs[1].Sequence)
	assert.Equal(t, "session-1", recs[1].PortSessionID)
	assert.Equal(t, "owner-1", recs[1].OwnerID)
	assert.Equal(t, 1, h.metrics("ch-1").QueueLength)

	h.tick()

	sends := h.senders.deliveries()
	require.Len(t, sends, 1)
	var body struct {
		Count   int                            `json:"count"`
		Ports   map[string]domain.PortSnapshot `json:"ports"`
		Records []domain.Record                `json:"records"`
	}
	require.NoError(t, json.Unmarshal(sends[0].body, &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, domain.PortSnapshot{Epoch: 1, SessionID: "session-1"}, body.Ports[testPort])
	assert.NotEmpty(t, sends[0].key)

	m := h.metrics("ch-1")
	assert.Equal(t, uint64(1), m.Sent)
	assert.Equal(t, 0, m.QueueLength)
	assert.NotNil(t, m.LastSuccessAt)
	assert.InDelta(t, 3.0, m.AvgLatencyMs, 0.001)
}

func TestUnparsedFramesAreCountedAndSkipped(t *testing.T) {
	src := lineSource("o")
	src.Parse = domain.ParseRule{Mode: domain.ParseJSON}
	h := newHarness(t, forwarding([]domain.SourceRule{src}, httpChannel("c", "o")))

	h.f.HandleData(testPort, []byte("not json\n{\"deviceId\":\"d1\",\"value\":3}\n"))

	recs := h.f.RecentRecords(0)
	require.Len(t, recs, 1)
	assert.Equal(t, "d1", recs[0].DeviceID)
	assert.Equal(t, 1.0, h.obs.counter(observability.MetricParseFailures, testPort))
}

func TestFlushIntervalCutsPartialBatch(t *testing.T) {
	ch := httpChannel("c", "o")
	ch.BatchSize = 10
	ch.FlushIntervalMs = 1000
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, ch))

	h.f.HandleData(testPort, []byte("a\nb\n"))
	h.tick()
	assert.Zero(t, h.senders.attempts())

	h.clock.Advance(999 * time.Millisecond)
	h.tick()
	assert.Zero(t, h.senders.attempts())

	h.clock.Advance(time.Millisecond)
	h.tick()
	require.Equal(t, 1, h.senders.attempts())
	assert.Equal(t, "2", h.senders.deliveries()[0].headers["X-Record-Count"])
}

func TestGateAfterSkipsUntilTrigger(t *testing.T) {
	src := lineSource("o")
	src.Gate = domain.GateRule{StartOnText: "START"}
	h := newHarness(t, forwarding([]domain.SourceRule{src}, httpChannel("c", "o")))

	h.f.HandleData(testPort, []byte("boot noise\nSTART run\nline1\n"))
	h.f.HandleData(testPort, []byte("line2 START\nline3\n"))
	assert.Equal(t, []string{"line1", "line2 START", "line3"}, rawTexts(h.f.RecentRecords(0)))

	// A new session re-arms the gate.
	h.open("s2")
	h.f.HandleData(testPort, []byte("line4\n"))
	assert.Len(t, h.f.RecentRecords(0), 3)
}

func TestGateAfterIncludesStartLine(t *testing.T) {
	src := lineSource("o")
	src.Gate = domain.GateRule{StartOnText: "START", IncludeStartLine: true}
	h := newHarness(t, forwarding([]domain.SourceRule{src}, httpChannel("c", "o")))

	h.f.HandleData(testPort, []byte("x\nSTART\ny\n"))
	assert.Equal(t, []string{"START", "y"}, rawTexts(h.f.RecentRecords(0)))
}

func TestGateOnlyForwardsMatchingFrames(t *testing.T) {
	src := lineSource("o")
	src.Gate = domain.GateRule{StartOnText: "ALARM", StartMode: domain.GateOnly}
	h := newHarness(t, forwarding([]domain.SourceRule{src}, httpChannel("c", "o")))

	h.f.HandleData(testPort, []byte("ok\nALARM 1\nok\nALARM 2\n"))
	assert.Equal(t, []string{"ALARM 1", "ALARM 2"}, rawTexts(h.f.RecentRecords(0)))
}

func TestGateOnlyMatchesTextBetweenNoiseBytes(t *testing.T) {
	src := lineSource("o")
	src.Gate = domain.GateRule{StartOnText: "OK", StartMode: domain.GateOnly}
	h := newHarness(t, forwarding([]domain.SourceRule{src}, httpChannel("c", "o")))

	h.f.HandleData(testPort, []byte("\x01\x02\x03\x04OK\x05\x06\x07\x08\n"))
	require.Len(t, h.f.RecentRecords(0), 1)
	assert.Equal(t, 1, h.metrics("c").QueueLength)
}

func TestGateMatchFallsBackWhenParseFails(t *testing.T) {
	src := lineSource("o")
	src.Parse = domain.ParseRule{Mode: domain.ParseTextRegex, Regex: `^(?P<value>\d+)$`}
	src.Gate = domain.GateRule{StartOnText: "ALARM", StartMode: domain.GateOnly}
	h := newHarness(t, forwarding([]domain.SourceRule{src}, httpChannel("c", "o")))

	h.f.HandleData(testPort, []byte("ALARM high\n"))
	recs := h.f.RecentRecords(0)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Fallback)
	assert.Equal(t, "ALARM high", recs[0].Payload.Text)
}

func TestDedupWindow(t *testing.T) {
	ch := httpChannel("c", "o")
	ch.DedupWindowMs = 1000
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, ch))

	h.f.HandleData(testPort, []byte("same\n"))
	h.clock.Advance(500 * time.Millisecond)
	h.f.HandleData(testPort, []byte("same\nother\n"))

	m := h.metrics("c")
	assert.Equal(t, uint64(1), m.Deduplicated)
	assert.Equal(t, 2, m.QueueLength)

	// The suppressed repeat did not refresh the stamp.
	h.clock.Advance(600 * time.Millisecond)
	h.f.HandleData(testPort, []byte("same\n"))
	m = h.metrics("c")
	assert.Equal(t, uint64(1), m.Deduplicated)
	assert.Equal(t, 3, m.QueueLength)
}

func TestDedupTableCap(t *testing.T) {
	d := newDedupTable(2)
	now := time.Now()
	for _, h := range []string{"a", "b", "c"} {
		assert.True(t, d.admit(h, now, time.Hour))
	}
	assert.Equal(t, 2, d.len())
	assert.True(t, d.admit("a", now, time.Hour), "oldest entry was evicted by the cap")
	assert.False(t, d.admit("c", now, time.Hour))
}

func TestFilterAndOwnerRouting(t *testing.T) {
	mine := httpChannel("mine", "o")
	mine.Filter = domain.ChannelFilter{Types: []string{"temp"}}
	other := httpChannel("other", "someone-else")
	src := lineSource("o")
	src.Parse = domain.ParseRule{Mode: domain.ParseJSON}
	h := newHarness(t, forwarding([]domain.SourceRule{src}, mine, other))

	h.f.HandleData(testPort, []byte(`{"type":"temp","value":1}`+"\n"+`{"type":"hum","value":2}`+"\n"))

	assert.Equal(t, 1, h.metrics("mine").QueueLength)
	assert.Equal(t, 0, h.metrics("other").QueueLength)
}

func TestSourceWithoutEnabledChannelIsIgnored(t *testing.T) {
	ch := httpChannel("c", "o")
	ch.Enabled = false
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, ch))

	h.f.HandleData(testPort, []byte("a\n"))
	assert.Empty(t, h.f.RecentRecords(0))
}

func TestPortReopenDropsBufferedRecords(t *testing.T) {
	ch := httpChannel("c", "o")
	ch.BatchSize = 10
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, ch))

	h.open("s1")
	h.f.HandleData(testPort, []byte("a\nb\n"))
	h.open("s2")

	m := h.metrics("c")
	assert.Equal(t, uint64(2), m.Dropped)
	assert.Equal(t, 2.0, h.obs.counter(observability.MetricDropped, "c", "port_reopened"))

	h.f.HandleData(testPort, []byte("c\n"))
	recs := h.f.RecentRecords(1)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(2), recs[0].PortEpoch)
	assert.Equal(t, "s2", recs[0].PortSessionID)
}

func TestPortClosedDropsCarry(t *testing.T) {
	h := newHarness(t, forwarding([]domain.SourceRule{lineSource("o")}, httpChannel("c", "o")))

	h.f.HandleData(testPort, []byte("partial"))
	h.f.HandleStatus(testPort, domain.PortClosed, "")
	h.f.HandleData(testPort, []byte("fresh\n"))
	assert.Equal(t, []string{"fresh"}, rawTexts(h.f.RecentRecords(0)))
}

func TestPortPathsAreNormalized(t *testing.T) {
	src := lineSource("o")
	src.PortPath = `\\.\com7`
	h := newHarness(t, forwarding([]domain.SourceRule{src}, httpChannel("c", "o")))

	h.f.HandleData("COM7", []byte("x\n"))
	assert.Len(t, h.f.RecentRecords(0), 1)
}

func TestRecordRing(t *testing.T) {
	r := newRecordRing(3)
	for i := 1; i <= 5; i++ {
		r.add(domain.Record{Sequence: uint64(i)})
	}
	got := r.last(0)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Sequence)
	assert.Equal(t, uint64(5), got[2].Sequence)
	assert.Equal(t, uint64(5), r.last(1)[0].Sequence)
}
