package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ghalamif/PortRelay/internal/adapters/observability"
	"github.com/ghalamif/PortRelay/internal/decode"
	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/framing"
	"github.com/ghalamif/PortRelay/internal/parse"
	"github.com/ghalamif/PortRelay/internal/ports"
)

// portState is kept per normalized port path.
type portState struct {
	state    domain.PortState
	epoch    uint64
	session  string
	seq      uint64
	carry    []byte
	gateOpen bool
	// ruleSig detects a changed source rule so carry and gate start fresh.
	ruleSig string
}

func (ps *portState) reset() {
	ps.carry = nil
	ps.gateOpen = false
}

func (f *Forwarder) portLocked(key string) *portState {
	ps, ok := f.ports[key]
	if !ok {
		ps = &portState{state: domain.PortClosed}
		f.ports[key] = ps
	}
	return ps
}

// HandleData runs one chunk from a port through framing, gating, parsing and
// routing.
func (f *Forwarder) HandleData(portPath string, data []byte) {
	if len(data) == 0 {
		return
	}
	f.mu.Lock()
	dispatched := f.ingestLocked(portPath, data)
	f.mu.Unlock()
	if dispatched {
		f.publish()
	}
}

func (f *Forwarder) ingestLocked(portPath string, data []byte) bool {
	if f.closed || !f.cfg.Enabled {
		return false
	}
	key := domain.NormalizePortPath(portPath)
	src := f.activeSourceLocked(key)
	if src == nil {
		return false
	}
	ps := f.portLocked(key)
	if sig := ruleSignature(src); sig != ps.ruleSig {
		ps.reset()
		ps.ruleSig = sig
	}

	res := framing.Extract(ps.carry, data, src.Framing)
	ps.carry = res.Rest
	if res.Dropped > 0 {
		f.obs.IncCounter(observability.MetricFramingDropped, float64(res.Dropped), key)
		f.obs.LogWarn("framing dropped bytes", ports.F(observability.KeyPortPath, key),
			ports.F(observability.KeyOwnerID, src.OwnerID), ports.F("bytes", res.Dropped), ports.F("mode", string(src.Framing.Mode)))
	}
	if len(res.Frames) > 0 {
		f.obs.IncCounter(observability.MetricFrames, float64(len(res.Frames)), key)
	}

	dispatched := false
	for _, fr := range res.Frames {
		hit, forward := f.gateLocked(src, ps, fr.Bytes)
		if !forward {
			continue
		}
		rec, err := f.parser.Parse(fr.Bytes, portPath, src.Parse)
		if err != nil {
			if !hit {
				f.obs.IncCounter(observability.MetricParseFailures, 1, key)
				f.obs.LogWarn("frame discarded", ports.F(observability.KeyPortPath, key),
					ports.F(observability.KeyOwnerID, src.OwnerID), ports.F("err", err.Error()),
					ports.F("frame", decode.Decode(fr.Bytes, logPreview).Text))
				continue
			}
			rec = parse.Fallback(fr.Bytes, portPath)
		}
		ps.seq++
		rec.Timestamp = f.now()
		rec.PortSessionID = ps.session
		rec.PortEpoch = ps.epoch
		rec.Sequence = ps.seq
		rec.OwnerID = src.OwnerID

		f.history.add(*rec)
		if err := f.records.Append(rec); err != nil {
			f.obs.LogWarn("record log append failed", ports.F(observability.KeyPortPath, key), ports.F("err", err.Error()))
		}
		f.obs.IncCounter(observability.MetricRecords, 1, key)
		if f.dispatchLocked(rec, src.OwnerID) {
			dispatched = true
		}
	}
	return dispatched
}

var logPreview = func() decode.Options {
	o := decode.DefaultOptions()
	o.MaxOutputChars = 200
	return o
}()

func ruleSignature(src *domain.SourceRule) string {
	return fmt.Sprintf("%s|%+v|%+v", src.ID, src.Framing, src.Gate)
}

// gateLocked evaluates the trigger text against the frame's clean text. hit
// reports a trigger match, forward whether the frame passes.
func (f *Forwarder) gateLocked(src *domain.SourceRule, ps *portState, frame []byte) (hit, forward bool) {
	g := src.Gate
	if !g.Active() {
		return false, true
	}
	hit = strings.Contains(decode.SearchText(frame), g.StartOnText)
	switch g.StartMode {
	case domain.GateOnly:
		return hit, hit
	default:
		if ps.gateOpen {
			return hit, true
		}
		if !hit {
			return false, false
		}
		ps.gateOpen = true
		f.obs.LogInfo("gate opened", ports.F(observability.KeyPortPath, domain.NormalizePortPath(src.PortPath)),
			ports.F(observability.KeyOwnerID, src.OwnerID))
		return true, g.IncludeStartLine
	}
}

// activeSourceLocked returns the enabled source for a port whose owner has at
// least one enabled channel.
func (f *Forwarder) activeSourceLocked(key string) *domain.SourceRule {
	for i := range f.cfg.Sources {
		s := &f.cfg.Sources[i]
		if !s.Enabled || domain.NormalizePortPath(s.PortPath) != key {
			continue
		}
		for _, ch := range f.cfg.Channels {
			if ch.Enabled && ch.OwnerID == s.OwnerID {
				return s
			}
		}
		return nil
	}
	return nil
}

// dispatchLocked routes rec to every enabled channel of the owner.
func (f *Forwarder) dispatchLocked(rec *domain.Record, ownerID string) bool {
	now := rec.Timestamp
	routed := false
	for _, ch := range f.cfg.Channels {
		if !ch.Enabled || ch.OwnerID != ownerID || !ch.Filter.Match(rec) {
			continue
		}
		rt, ok := f.channels[ch.ID]
		if !ok {
			continue
		}
		if ch.DedupWindowMs > 0 && !rt.dedup.admit(rec.Hash, now, time.Duration(ch.DedupWindowMs)*time.Millisecond) {
			rt.update(func(m *domain.ChannelMetrics) { m.Deduplicated++ })
			f.obs.IncCounter(observability.MetricDeduplicated, 1, ch.ID)
			continue
		}
		routed = true
		if len(rt.buffer) == 0 {
			rt.bufferSince = now
		}
		rt.buffer = append(rt.buffer, *rec)
		if len(rt.buffer) >= ch.BatchSize {
			f.cutLocked(rt, now)
		}
	}
	return routed
}

// flushDueLocked cuts every buffer whose flush interval has elapsed.
func (f *Forwarder) flushDueLocked(now time.Time) {
	for _, rt := range f.channels {
		if len(rt.buffer) == 0 {
			continue
		}
		if now.Sub(rt.bufferSince) >= time.Duration(rt.cfg.FlushIntervalMs)*time.Millisecond {
			f.cutLocked(rt, now)
		}
	}
}

// cutLocked turns the buffer into a batch and enqueues it. A queue failure
// is counted as failed and the records are lost.
func (f *Forwarder) cutLocked(rt *channelRuntime, now time.Time) {
	recs := rt.buffer
	rt.buffer = nil
	snap := make(map[string]domain.PortSnapshot)
	for _, r := range recs {
		key := domain.NormalizePortPath(r.PortPath)
		if _, ok := snap[key]; !ok {
			snap[key] = domain.PortSnapshot{Epoch: r.PortEpoch, SessionID: r.PortSessionID}
		}
	}
	batch := domain.OutboundBatch{
		ID:            uuid.NewString(),
		ChannelID:     rt.id,
		BootID:        f.bootID,
		CreatedAt:     now,
		Records:       recs,
		Ports:         snap,
		PayloadFormat: rt.cfg.PayloadFormat,
		Compression:   rt.cfg.Compression,
		Encryption:    rt.cfg.Encryption,
	}
	item, err := rt.queue.Enqueue(batch)
	if err != nil {
		rt.update(func(m *domain.ChannelMetrics) {
			m.Failed++
			m.ObserveError(fmt.Errorf("enqueue: %w", err), now)
		})
		f.obs.IncCounter(observability.MetricFailed, 1, rt.id)
		f.obs.LogError("enqueue failed", err, ports.F(observability.KeyChannelID, rt.id),
			ports.F(observability.KeyOwnerID, rt.cfg.OwnerID), ports.F("records", len(recs)))
		return
	}
	f.obs.SetGauge(observability.MetricQueueLength, float64(rt.queue.Size()), rt.id)
	f.obs.LogInfo("batch queued", ports.F(observability.KeyChannelID, rt.id),
		ports.F("item", item.ID), ports.F("records", len(recs)))
}

// HandleStatus tracks port sessions. Reaching open bumps the epoch, records
// the session and discards buffered records of the previous session; closed
// and error discard them too. Every transition re-arms the gate.
func (f *Forwarder) HandleStatus(portPath string, state domain.PortState, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := domain.NormalizePortPath(portPath)
	ps := f.portLocked(key)
	prev := ps.state
	ps.state = state

	switch state {
	case domain.PortOpen:
		ps.epoch++
		ps.session = sessionID
		ps.reset()
		f.dropPortRecordsLocked(key, "port_reopened")
		f.obs.SetGauge(observability.MetricPortEpoch, float64(ps.epoch), key)
		f.obs.LogInfo("port open", ports.F(observability.KeyPortPath, key),
			ports.F("session", sessionID), ports.F("epoch", ps.epoch))
	case domain.PortClosed, domain.PortError:
		ps.reset()
		f.dropPortRecordsLocked(key, "port_closed")
		if prev != state {
			f.obs.LogWarn("port down", ports.F(observability.KeyPortPath, key), ports.F("state", string(state)))
		}
	}
}

func (f *Forwarder) dropPortRecordsLocked(key string, reason string) {
	for _, rt := range f.channels {
		kept := rt.buffer[:0]
		dropped := 0
		for _, r := range rt.buffer {
			if domain.NormalizePortPath(r.PortPath) == key {
				dropped++
				continue
			}
			kept = append(kept, r)
		}
		if dropped == 0 {
			continue
		}
		rt.buffer = kept
		if len(kept) == 0 {
			rt.buffer = nil
		}
		rt.update(func(m *domain.ChannelMetrics) { m.Dropped += uint64(dropped) })
		f.obs.IncCounter(observability.MetricDropped, float64(dropped), rt.id, reason)
	}
}

// recordRing keeps the most recent records.
type recordRing struct {
	buf  []domain.Record
	next int
	full bool
}

func newRecordRing(n int) *recordRing { return &recordRing{buf: make([]domain.Record, n)} }

func (r *recordRing) add(rec domain.Record) {
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// last returns up to n records, oldest first.
func (r *recordRing) last(n int) []domain.Record {
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]domain.Record, n)
	for i := 0; i < n; i++ {
		out[n-1-i] = r.buf[(r.next-1-i+len(r.buf))%len(r.buf)]
	}
	return out
}
