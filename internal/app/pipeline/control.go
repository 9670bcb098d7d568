package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ghalamif/PortRelay/internal/adapters/configstore"
	"github.com/ghalamif/PortRelay/internal/adapters/observability"
	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

// DefaultChannelName is used by CreateChannel when no name is given.
const DefaultChannelName = "Channel"

// QueueView is a read-only look at one pending queue item.
type QueueView struct {
	ChannelID     string    `json:"channelId"`
	ItemID        string    `json:"itemId"`
	BatchID       string    `json:"batchId"`
	CreatedAt     time.Time `json:"createdAt"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	Records       int       `json:"records"`
	PayloadFormat string    `json:"payloadFormat"`
	Stale         bool      `json:"stale"`
}

// GetConfig returns a copy of the active forwarding config.
func (f *Forwarder) GetConfig() domain.ForwardingConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Clone()
}

// SetConfig validates, persists and applies next. Enabled sources that share
// a port with an earlier one are disabled and logged before saving.
func (f *Forwarder) SetConfig(next domain.ForwardingConfig) (configstore.WriteResult, error) {
	cfg := next.Clone()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return configstore.WriteResult{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	f.resolveDuplicates(&cfg)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return configstore.WriteResult{}, ErrClosed
	}
	res, err := f.persistLocked(cfg)
	if err != nil {
		return res, err
	}
	f.applyLocked(cfg)
	f.obs.LogInfo("forwarding config applied", ports.F("hash", res.Hash),
		ports.F("sources", len(cfg.Sources)), ports.F("channels", len(cfg.Channels)))
	return res, nil
}

func (f *Forwarder) persistLocked(cfg domain.ForwardingConfig) (configstore.WriteResult, error) {
	if f.store != nil {
		res, err := f.store.WriteAtomic(cfg)
		if err != nil {
			f.obs.LogError("forwarding config write failed", err, ports.F("path", f.store.Path))
			return res, fmt.Errorf("persist config: %w", err)
		}
		return res, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return configstore.WriteResult{}, err
	}
	hash, err := configstore.Digest(raw)
	if err != nil {
		return configstore.WriteResult{}, err
	}
	return configstore.WriteResult{SavedAt: f.now().UTC(), Hash: hash, Bytes: len(raw)}, nil
}

// updateLocked applies fn to a copy of the active config, persists and
// applies the result.
func (f *Forwarder) updateLocked(fn func(cfg *domain.ForwardingConfig)) error {
	if f.closed {
		return ErrClosed
	}
	cfg := f.cfg.Clone()
	fn(&cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := f.persistLocked(cfg); err != nil {
		return err
	}
	f.applyLocked(cfg)
	return nil
}

// SetEnabled toggles the whole forwarder. Disabling stops ingest and
// delivery; queued items stay on disk.
func (f *Forwarder) SetEnabled(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg.Enabled == enabled {
		return nil
	}
	if err := f.updateLocked(func(cfg *domain.ForwardingConfig) { cfg.Enabled = enabled }); err != nil {
		return err
	}
	f.obs.LogInfo("forwarder toggled", ports.F("enabled", enabled))
	return nil
}

// CreateChannel adds a disabled channel for ownerID and returns its id. A
// name already used by the owner gets the next Roman numeral suffix.
func (f *Forwarder) CreateChannel(ownerID, name string) (string, error) {
	base := strings.TrimSpace(name)
	if base == "" {
		base = DefaultChannelName
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	taken := make(map[string]struct{})
	for _, ch := range f.cfg.Channels {
		if ch.OwnerID == ownerID {
			taken[ch.Name] = struct{}{}
		}
	}
	id := uuid.NewString()
	ch := domain.ChannelConfig{ID: id, Name: UniqueName(base, taken), OwnerID: ownerID}
	if err := f.updateLocked(func(cfg *domain.ForwardingConfig) { cfg.Channels = append(cfg.Channels, ch) }); err != nil {
		return "", err
	}
	f.obs.LogInfo("channel created", ports.F(observability.KeyChannelID, id),
		ports.F(observability.KeyOwnerID, ownerID), ports.F("name", ch.Name))
	return id, nil
}

// UniqueName returns base, or base followed by the smallest Roman numeral
// from II upwards that is not in taken.
func UniqueName(base string, taken map[string]struct{}) string {
	if _, ok := taken[base]; !ok {
		return base
	}
	for n := 2; ; n++ {
		candidate := base + " " + Roman(n)
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
}

var romanTable = []struct {
	value  int
	symbol string
}{
	{1000, "M"}, {900, "CM"}, {500, "D"}, {400, "CD"},
	{100, "C"}, {90, "XC"}, {50, "L"}, {40, "XL"},
	{10, "X"}, {9, "IX"}, {5, "V"}, {4, "IV"}, {1, "I"},
}

// Roman formats n (n > 0) as a Roman numeral.
func Roman(n int) string {
	var b strings.Builder
	for _, r := range romanTable {
		for n >= r.value {
			b.WriteString(r.symbol)
			n -= r.value
		}
	}
	return b.String()
}

// RemoveChannelsByOwner deletes every channel of ownerID along with the
// owner's sources. Pending queue files are left on disk.
func (f *Forwarder) RemoveChannelsByOwner(ownerID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	err := f.updateLocked(func(cfg *domain.ForwardingConfig) {
		kept := cfg.Channels[:0]
		for _, ch := range cfg.Channels {
			if ch.OwnerID == ownerID {
				removed++
				continue
			}
			kept = append(kept, ch)
		}
		cfg.Channels = kept
		sources := cfg.Sources[:0]
		for _, s := range cfg.Sources {
			if s.OwnerID != ownerID {
				sources = append(sources, s)
			}
		}
		cfg.Sources = sources
	})
	if err != nil {
		return 0, err
	}
	f.obs.LogInfo("owner channels removed", ports.F(observability.KeyOwnerID, ownerID), ports.F("count", removed))
	return removed, nil
}

// MetricsSnapshot returns the counters of every configured channel.
func (f *Forwarder) MetricsSnapshot() map[string]domain.ChannelMetrics {
	f.mu.Lock()
	rts := make([]*channelRuntime, 0, len(f.channels))
	for _, rt := range f.channels {
		rts = append(rts, rt)
	}
	f.mu.Unlock()

	out := make(map[string]domain.ChannelMetrics, len(rts))
	for _, rt := range rts {
		out[rt.id] = rt.snapshot()
	}
	return out
}

// RecentRecords returns up to limit of the latest records, oldest first.
func (f *Forwarder) RecentRecords(limit int) []domain.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history.last(limit)
}

// RecentLogs queries the in-memory log ring. It is empty when no ring was
// wired.
func (f *Forwarder) RecentLogs(q observability.LogQuery) []observability.LogEntry {
	if f.logs == nil {
		return nil
	}
	return f.logs.Query(q)
}

// QueueSnapshot peeks pending items without consuming them. An empty
// channelID covers every channel; limit applies per channel.
func (f *Forwarder) QueueSnapshot(channelID string, limit int) ([]QueueView, error) {
	if limit <= 0 {
		limit = 50
	}
	f.mu.Lock()
	var rts []*channelRuntime
	if channelID != "" {
		rt, ok := f.channels[channelID]
		if !ok {
			f.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
		}
		rts = append(rts, rt)
	} else {
		for _, rt := range f.channels {
			rts = append(rts, rt)
		}
	}
	f.mu.Unlock()
	sort.Slice(rts, func(i, j int) bool { return rts[i].id < rts[j].id })

	var out []QueueView
	for _, rt := range rts {
		items, err := rt.queue.Peek(limit)
		if err != nil {
			return out, fmt.Errorf("peek %s: %w", rt.id, err)
		}
		for _, it := range items {
			out = append(out, QueueView{
				ChannelID:     rt.id,
				ItemID:        it.ID,
				BatchID:       it.Payload.ID,
				CreatedAt:     it.CreatedAt,
				Attempts:      it.Attempts,
				NextAttemptAt: it.NextAttemptAt,
				Records:       len(it.Payload.Records),
				PayloadFormat: string(it.Payload.PayloadFormat),
				Stale:         f.pol.DropStaleBatchesOnPortReopen && f.isStale(&it.Payload),
			})
		}
	}
	return out, nil
}
