package domain

import "time"

// LatencyAlpha is the EWMA smoothing factor for AvgLatencyMs.
const LatencyAlpha = 0.2

// ChannelMetrics are the per-channel delivery counters.
type ChannelMetrics struct {
	ChannelID     string     `json:"channelId"`
	QueueLength   int        `json:"queueLength"`
	Sent          uint64     `json:"sent"`
	Failed        uint64     `json:"failed"`
	Dropped       uint64     `json:"dropped"`
	Deduplicated  uint64     `json:"deduplicated"`
	Stale         uint64     `json:"stale"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorAt   *time.Time `json:"lastErrorAt,omitempty"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	LastLatencyMs float64    `json:"lastLatencyMs"`
	AvgLatencyMs  float64    `json:"avgLatencyMs"`
}

// ObserveLatency records one successful send.
func (m *ChannelMetrics) ObserveLatency(ms float64, at time.Time) {
	m.LastLatencyMs = ms
	if m.AvgLatencyMs == 0 {
		m.AvgLatencyMs = ms
	} else {
		m.AvgLatencyMs = LatencyAlpha*ms + (1-LatencyAlpha)*m.AvgLatencyMs
	}
	t := at
	m.LastSuccessAt = &t
}

// ObserveError records the last failure message.
func (m *ChannelMetrics) ObserveError(err error, at time.Time) {
	if err == nil {
		return
	}
	m.LastError = err.Error()
	t := at
	m.LastErrorAt = &t
}

// FailureRate is failed/(sent+failed), or 0 when nothing was attempted.
func (m ChannelMetrics) FailureRate() float64 {
	total := m.Sent + m.Failed
	if total == 0 {
		return 0
	}
	return float64(m.Failed) / float64(total)
}
