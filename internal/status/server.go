// Package status serves the read-only operator surface: liveness, the
// health record, recent leads and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"leadradar/internal/model"
)

const (
	defaultLeadLimit = 20
	maxLeadLimit     = 100
)

// Health exposes the pipeline health record.
type Health interface {
	Snapshot() model.Health
	Healthy() bool
}

// LeadStore lists recent leads of a tenant.
type LeadStore interface {
	ListRecentLeads(ctx context.Context, tenantID int64, limit int) ([]model.Lead, error)
}

// Server is the status HTTP surface.
type Server struct {
	health   Health
	leads    LeadStore
	gatherer prometheus.Gatherer
	log      *slog.Logger
}

// New creates a Server. A nil gatherer disables /metrics.
func New(h Health, leads LeadStore, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	return &Server{health: h, leads: leads, gatherer: gatherer, log: log}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/leads", s.handleLeads)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("status server listening", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("serve status: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve status: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.health.Healthy() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Healthy       bool       `json:"healthy"`
	Running       bool       `json:"running"`
	StartedAt     time.Time  `json:"started_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Channels      int        `json:"channels"`
	Tenants       int        `json:"tenants"`
	MessagesToday int64      `json:"messages_today"`
	MessagesTotal int64      `json:"messages_total"`
	Errors        int64      `json:"errors"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`
}

type leadResponse struct {
	ID            int64     `json:"id"`
	ChannelID     int64     `json:"channel_id"`
	Channel       string    `json:"channel"`
	MessageID     int64     `json:"message_id"`
	SenderID      int64     `json:"sender_id"`
	Sender        string    `json:"sender,omitempty"`
	Text          string    `json:"text"`
	Link          string    `json:"link"`
	Keywords      []string  `json:"keywords"`
	Verdict       string    `json:"verdict,omitempty"`
	Quality       string    `json:"quality,omitempty"`
	DialogStarted bool      `json:"dialog_started"`
	SaleMade      bool      `json:"sale_made"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	h := s.health.Snapshot()
	respondJSON(w, http.StatusOK, statusResponse{
		Healthy:       s.health.Healthy(),
		Running:       h.Running,
		StartedAt:     h.StartedAt,
		LastHeartbeat: h.LastHeartbeat,
		Channels:      h.Channels,
		Tenants:       h.Tenants,
		MessagesToday: h.MessagesToday,
		MessagesTotal: h.MessagesTotal,
		Errors:        h.Errors,
		LastError:     h.LastError,
		LastErrorAt:   h.LastErrorAt,
	})
}

func (s *Server) handleLeads(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseInt(r.URL.Query().Get("tenant"), 10, 64)
	if err != nil || tenantID <= 0 {
		respondError(w, http.StatusBadRequest, "tenant must be a positive integer")
		return
	}

	limit := defaultLeadLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxLeadLimit {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxLeadLimit))
			return
		}
	}

	leads, err := s.leads.ListRecentLeads(r.Context(), tenantID, limit)
	if err != nil {
		s.log.Error("list leads", "tenant_id", tenantID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list leads")
		return
	}
	out := make([]leadResponse, 0, len(leads))
	for _, l := range leads {
		out = append(out, leadResponse{
			ID:            l.ID,
			ChannelID:     l.ChannelID,
			Channel:       l.ChannelTitle,
			MessageID:     l.MessageID,
			SenderID:      l.SenderID,
			Sender:        l.SenderName,
			Text:          l.Text,
			Link:          l.Link,
			Keywords:      l.Keywords,
			Verdict:       l.Verdict,
			Quality:       string(l.Quality),
			DialogStarted: l.DialogStarted,
			SaleMade:      l.SaleMade,
			CreatedAt:     l.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
