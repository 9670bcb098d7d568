package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ghalamif/PortRelay/internal/adapters/observability"
	"github.com/ghalamif/PortRelay/internal/adapters/sink"
	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetry
	outcomeDropped
	outcomeStale
)

// work is one worker pass over a channel: up to MaxItemsPerTick ready items
// within TickBudget. The caller has set rt.busy.
func (f *Forwarder) work(ctx context.Context, rt *channelRuntime) {
	defer f.workers.Done()
	defer func() {
		if err := rt.release(); err != nil {
			f.obs.LogWarn("sender close failed", ports.F(observability.KeyChannelID, rt.id), ports.F("err", err.Error()))
		}
	}()

	start := f.now()
	items, err := rt.queue.PeekReady(start, f.pol.MaxItemsPerTick)
	if err != nil {
		f.obs.LogError("queue peek failed", err, ports.F(observability.KeyChannelID, rt.id))
		return
	}
	if len(items) == 0 {
		return
	}
	for _, item := range items {
		if ctx.Err() != nil || f.now().Sub(start) >= f.pol.TickBudget {
			break
		}
		f.mu.Lock()
		cfg, sender, senderErr := rt.cfg, rt.sender, rt.senderErr
		active := f.cfg.Enabled && cfg.Enabled && !rt.retired.Load()
		f.mu.Unlock()
		if !active {
			break
		}
		f.deliver(ctx, rt, cfg, sender, senderErr, item)
	}
	f.obs.SetGauge(observability.MetricQueueLength, float64(rt.queue.Size()), rt.id)
	f.publish()
}

func (f *Forwarder) deliver(ctx context.Context, rt *channelRuntime, cfg domain.ChannelConfig, sender ports.Sender, senderErr error, item ports.QueueItem) outcome {
	batch := &item.Payload
	log := []ports.Field{
		ports.F(observability.KeyChannelID, rt.id),
		ports.F(observability.KeyOwnerID, cfg.OwnerID),
		ports.F("item", item.ID),
		ports.F("attempts", item.Attempts),
	}

	if f.pol.DropStaleBatchesOnPortReopen && f.isStale(batch) {
		f.ack(rt, item.ID)
		rt.update(func(m *domain.ChannelMetrics) { m.Stale++ })
		f.obs.IncCounter(observability.MetricDropped, 1, rt.id, "stale")
		f.obs.LogWarn("stale batch dropped", log...)
		return outcomeStale
	}
	if item.Attempts >= cfg.RetryMaxAttempts {
		f.drop(rt, item.ID, "max_attempts")
		f.obs.LogError("batch dropped after max attempts", nil, log...)
		return outcomeDropped
	}

	err := senderErr
	var latency time.Duration
	if err == nil && sender == nil {
		err = &sink.SendError{Kind: sink.KindConfig, Transport: string(cfg.Transport.Type), Err: sink.ErrSenderClosed}
	}
	if err == nil {
		var body []byte
		var headers map[string]string
		body, headers, err = f.encoder.Encode(batch, &cfg)
		if err != nil {
			err = &sink.SendError{Kind: sink.KindEncode, Transport: sender.Name(), Err: err}
		} else {
			sctx, cancel := context.WithTimeout(ctx, f.pol.SendTimeout)
			latency, err = sender.Send(sctx, body, headers, ports.SendOptions{IdempotencyKey: item.ID})
			cancel()
		}
	}

	now := f.now()
	if err == nil {
		f.ack(rt, item.ID)
		ms := float64(latency) / float64(time.Millisecond)
		rt.update(func(m *domain.ChannelMetrics) {
			m.Sent++
			m.ObserveLatency(ms, now)
		})
		f.obs.IncCounter(observability.MetricSent, 1, rt.id)
		f.obs.ObserveLatency(observability.MetricSendLatency, latency.Seconds(), rt.id)
		f.obs.LogInfo("batch sent", append(log, ports.F("records", len(batch.Records)), ports.F("latencyMs", ms))...)
		return outcomeSent
	}

	rt.update(func(m *domain.ChannelMetrics) {
		m.Failed++
		m.ObserveError(err, now)
	})
	f.obs.IncCounter(observability.MetricFailed, 1, rt.id)
	log = append(log, ports.F("kind", string(sink.KindOf(err))))

	if cfg.DeliveryMode == domain.AtMostOnce && sink.IsTransient(err) {
		f.drop(rt, item.ID, "at_most_once")
		f.obs.LogError("send failed; dropped (at-most-once)", err, log...)
		return outcomeDropped
	}
	if item.Attempts+1 >= cfg.RetryMaxAttempts {
		f.drop(rt, item.ID, "max_attempts")
		f.obs.LogError("send failed; dropped after max attempts", err, log...)
		return outcomeDropped
	}

	delay := Backoff(time.Duration(cfg.RetryBaseDelayMs)*time.Millisecond, item.Attempts, f.pol.MaxBackoff)
	if ra, ok := sink.RetryAfter(err); ok {
		delay = min(ra, f.pol.MaxBackoff)
	}
	if _, nerr := rt.queue.Nack(item.ID, now.Add(delay)); nerr != nil {
		f.obs.LogError("queue nack failed", nerr, log...)
	}
	f.obs.LogWarn("send failed; will retry", append(log, ports.F("err", err.Error()), ports.F("retryIn", delay.String()))...)
	return outcomeRetry
}

// Backoff is min(maxDelay, base·2^attempts).
func Backoff(base time.Duration, attempts int, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		return maxDelay
	}
	d := base << uint(attempts)
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

// isStale reports whether a batch cut in this process references a port
// that has been reopened since. Batches recovered from an earlier run carry
// another boot id and are never stale.
func (f *Forwarder) isStale(b *domain.OutboundBatch) bool {
	if b.BootID != f.bootID {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, snap := range b.Ports {
		ps, ok := f.ports[key]
		if !ok {
			continue
		}
		if ps.epoch != snap.Epoch || ps.session != snap.SessionID {
			return true
		}
	}
	return false
}

func (f *Forwarder) ack(rt *channelRuntime, id string) {
	if err := rt.queue.Ack(id); err != nil {
		f.obs.LogError("queue ack failed", err, ports.F(observability.KeyChannelID, rt.id), ports.F("item", id))
	}
}

func (f *Forwarder) drop(rt *channelRuntime, id, reason string) {
	f.ack(rt, id)
	rt.update(func(m *domain.ChannelMetrics) { m.Dropped++ })
	f.obs.IncCounter(observability.MetricDropped, 1, rt.id, reason)
}

func (o outcome) String() string {
	switch o {
	case outcomeSent:
		return "sent"
	case outcomeRetry:
		return "retry"
	case outcomeDropped:
		return "dropped"
	case outcomeStale:
		return "stale"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}
