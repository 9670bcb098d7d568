package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Attribute keys LogRing indexes for queries.
const (
	KeyOwnerID   = "ownerId"
	KeyPortPath  = "portPath"
	KeyChannelID = "channelId"
)

type LogEntry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Msg       string         `json:"msg"`
	OwnerID   string         `json:"ownerId,omitempty"`
	PortPath  string         `json:"portPath,omitempty"`
	ChannelID string         `json:"channelId,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// LogQuery selects entries; empty fields match everything.
type LogQuery struct {
	Limit     int
	OwnerID   string
	PortPath  string
	ChannelID string
}

func (q LogQuery) match(e *LogEntry) bool {
	return (q.OwnerID == "" || q.OwnerID == e.OwnerID) &&
		(q.PortPath == "" || q.PortPath == e.PortPath) &&
		(q.ChannelID == "" || q.ChannelID == e.ChannelID)
}

type ring struct {
	mu    sync.Mutex
	buf   []LogEntry
	next  int
	full  bool
	level slog.Leveler
}

func (r *ring) add(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// LogRing is a slog.Handler that keeps the most recent entries in memory and
// passes every record on to an optional next handler.
type LogRing struct {
	ring   *ring
	next   slog.Handler
	attrs  []groupedAttr
	groups string
}

type groupedAttr struct {
	prefix string
	attr   slog.Attr
}

// NewLogRing keeps up to capacity entries at level Info and above.
func NewLogRing(capacity int, next slog.Handler) *LogRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogRing{
		ring: &ring{buf: make([]LogEntry, capacity), level: slog.LevelInfo},
		next: next,
	}
}

// SetLevel changes the minimum level kept in the ring.
func (h *LogRing) SetLevel(l slog.Leveler) {
	h.ring.mu.Lock()
	h.ring.level = l
	h.ring.mu.Unlock()
}

func (h *LogRing) minLevel() slog.Level {
	h.ring.mu.Lock()
	defer h.ring.mu.Unlock()
	return h.ring.level.Level()
}

func (h *LogRing) Enabled(ctx context.Context, l slog.Level) bool {
	if l >= h.minLevel() {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, l)
}

func (h *LogRing) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.minLevel() {
		e := LogEntry{Time: r.Time, Level: r.Level.String(), Msg: r.Message}
		for _, ga := range h.attrs {
			e.put(ga.prefix, ga.attr)
		}
		r.Attrs(func(a slog.Attr) bool {
			e.put(h.groups, a)
			return true
		})
		h.ring.add(e)
	}
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (e *LogEntry) put(prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := a.Key
		if prefix != "" {
			p = prefix + "." + a.Key
		}
		for _, ga := range v.Group() {
			e.put(p, ga)
		}
		return
	}
	if prefix == "" {
		switch a.Key {
		case KeyOwnerID:
			e.OwnerID = v.String()
			return
		case KeyPortPath:
			e.PortPath = v.String()
			return
		case KeyChannelID:
			e.ChannelID = v.String()
			return
		}
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if e.Attrs == nil {
		e.Attrs = make(map[string]any)
	}
	val := v.Any()
	if err, ok := val.(error); ok {
		val = err.Error()
	}
	e.Attrs[key] = val
}

func (h *LogRing) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = append([]groupedAttr(nil), h.attrs...)
	for _, a := range attrs {
		out.attrs = append(out.attrs, groupedAttr{prefix: h.groups, attr: a})
	}
	if h.next != nil {
		out.next = h.next.WithAttrs(attrs)
	}
	return &out
}

func (h *LogRing) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	out := *h
	if h.groups == "" {
		out.groups = name
	} else {
		out.groups = h.groups + "." + name
	}
	if h.next != nil {
		out.next = h.next.WithGroup(name)
	}
	return &out
}

// Query returns up to q.Limit matching entries, oldest first.
func (h *LogRing) Query(q LogQuery) []LogEntry {
	h.ring.mu.Lock()
	defer h.ring.mu.Unlock()

	n := h.ring.next
	if h.ring.full {
		n = len(h.ring.buf)
	}
	limit := q.Limit
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]LogEntry, 0, limit)
	// Walk backwards from the newest entry.
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (h.ring.next - 1 - i + len(h.ring.buf)) % len(h.ring.buf)
		e := &h.ring.buf[idx]
		if q.match(e) {
			out = append(out, *e)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
