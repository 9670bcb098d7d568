// Package httpapi serves the operator endpoints next to /metrics: health,
// channel metrics, recent records and logs, queue contents, and the
// forwarding config.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghalamif/PortRelay/internal/adapters/configstore"
	"github.com/ghalamif/PortRelay/internal/adapters/observability"
	"github.com/ghalamif/PortRelay/internal/app/pipeline"
	"github.com/ghalamif/PortRelay/internal/domain"
)

const maxConfigBytes = 4 << 20

// Controller is the part of the forwarder the API drives.
type Controller interface {
	GetConfig() domain.ForwardingConfig
	SetConfig(next domain.ForwardingConfig) (configstore.WriteResult, error)
	SetEnabled(enabled bool) error
	CreateChannel(ownerID, name string) (string, error)
	RemoveChannelsByOwner(ownerID string) (int, error)
	MetricsSnapshot() map[string]domain.ChannelMetrics
	RecentRecords(limit int) []domain.Record
	RecentLogs(q observability.LogQuery) []observability.LogEntry
	QueueSnapshot(channelID string, limit int) ([]pipeline.QueueView, error)
}

type Server struct {
	Fwd      Controller
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

func NewServer(fwd Controller, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{Fwd: fwd, Gatherer: gatherer, Logger: logger}
}

// Routes registers every endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/metrics", s.get(func(r *http.Request) (any, error) {
		return s.Fwd.MetricsSnapshot(), nil
	}))
	mux.HandleFunc("/api/records", s.get(func(r *http.Request) (any, error) {
		return s.Fwd.RecentRecords(intParam(r, "limit", 100)), nil
	}))
	mux.HandleFunc("/api/logs", s.get(func(r *http.Request) (any, error) {
		q := r.URL.Query()
		return s.Fwd.RecentLogs(observability.LogQuery{
			Limit:     intParam(r, "limit", 200),
			OwnerID:   q.Get("ownerId"),
			PortPath:  q.Get("portPath"),
			ChannelID: q.Get("channelId"),
		}), nil
	}))
	mux.HandleFunc("/api/queue", s.get(func(r *http.Request) (any, error) {
		return s.Fwd.QueueSnapshot(r.URL.Query().Get("channelId"), intParam(r, "limit", 50))
	}))
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/enabled", s.handleEnabled)
	mux.HandleFunc("/api/channels", s.handleChannels)
}

// Handler returns a fresh mux with every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return mux
}

func (s *Server) get(fn func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		v, err := fn(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.reply(w, http.StatusOK, v)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.reply(w, http.StatusOK, s.Fwd.GetConfig())
	case http.MethodPut:
		var next domain.ForwardingConfig
		if err := decode(r, &next); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, err := s.Fwd.SetConfig(next)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.reply(w, http.StatusOK, res)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEnabled(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decode(r, &body); err != nil || body.Enabled == nil {
		http.Error(w, `expected {"enabled": true|false}`, http.StatusBadRequest)
		return
	}
	if err := s.Fwd.SetEnabled(*body.Enabled); err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, http.StatusOK, map[string]bool{"enabled": *body.Enabled})
}

// POST creates a channel from {ownerId, name}; DELETE ?ownerId= removes
// every channel of that owner.
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			OwnerID string `json:"ownerId"`
			Name    string `json:"name"`
		}
		if err := decode(r, &body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := s.Fwd.CreateChannel(body.OwnerID, body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.reply(w, http.StatusCreated, map[string]string{"id": id})
	case http.MethodDelete:
		owner := r.URL.Query().Get("ownerId")
		if owner == "" {
			http.Error(w, "ownerId is required", http.StatusBadRequest)
			return
		}
		n, err := s.Fwd.RemoveChannelsByOwner(owner)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.reply(w, http.StatusOK, map[string]int{"removed": n})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxConfigBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("httpapi: encode response", "err", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUnknownChannel):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.Logger.Error("httpapi: request failed", "path", r.URL.Path, "err", err)
	}
	s.reply(w, status, map[string]string{"error": err.Error()})
}

func intParam(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
