// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package api is the local HTTP surface: health, Prometheus metrics, a
// JSON stats snapshot, and the extension-facing ingest routes. It binds to
// localhost by default.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabscope/tabscope/internal/aggregate"
	"github.com/tabscope/tabscope/internal/config"
	"github.com/tabscope/tabscope/internal/eventlog"
	"github.com/tabscope/tabscope/internal/heartbeat"
	"github.com/tabscope/tabscope/internal/logging"
	"github.com/tabscope/tabscope/internal/metadata"
	"github.com/tabscope/tabscope/internal/models"
)

// Sources supplies the per-component snapshots behind /v1/stats. Nil fields
// are simply omitted from the response.
type Sources struct {
	EventLog    func() eventlog.Stats
	Heartbeat   func() heartbeat.Stats
	Aggregation func() aggregate.Result
	SyncState   func(ctx context.Context) (*models.SyncState, error)
}

// Ingest wires the extension-facing routes. Nil fields disable the
// corresponding route.
type Ingest struct {
	// Publish delivers a raw event into the intake bus.
	Publish func(ctx context.Context, event *models.CoreEvent) error

	// Tracker receives browser state snapshots for the sampler probes.
	Tracker *heartbeat.StateTracker

	// Metadata receives scraped page metadata for the categorizer.
	Metadata *metadata.CacheProvider
}

// Server is the local HTTP server: observability plus the extension-facing
// ingest routes.
type Server struct {
	cfg     config.ServerConfig
	sources Sources
	ingest  Ingest
	handler http.Handler
}

// NewServer builds the server and its routes.
func NewServer(cfg config.ServerConfig, sources Sources) *Server {
	return NewServerWithIngest(cfg, sources, Ingest{})
}

// NewServerWithIngest builds the server with the extension-facing routes
// enabled.
func NewServerWithIngest(cfg config.ServerConfig, sources Sources, ingest Ingest) *Server {
	s := &Server{cfg: cfg, sources: sources, ingest: ingest}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.Timeout))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/v1/stats", s.handleStats)

	if ingest.Publish != nil {
		r.Post("/v1/events", s.handleEvents)
	}
	if ingest.Tracker != nil {
		r.Post("/v1/state", s.handleState)
	}
	if ingest.Metadata != nil {
		r.Post("/v1/metadata", s.handleMetadata)
	}

	s.handler = r
	return s
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statsResponse is the /v1/stats body.
type statsResponse struct {
	EventLog    *eventlog.Stats   `json:"event_log,omitempty"`
	Heartbeat   *heartbeat.Stats  `json:"heartbeat,omitempty"`
	Aggregation *aggregate.Result `json:"aggregation,omitempty"`
	Sync        *models.SyncState `json:"sync,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	if s.sources.EventLog != nil {
		st := s.sources.EventLog()
		resp.EventLog = &st
	}
	if s.sources.Heartbeat != nil {
		st := s.sources.Heartbeat()
		resp.Heartbeat = &st
	}
	if s.sources.Aggregation != nil {
		st := s.sources.Aggregation()
		resp.Aggregation = &st
	}
	if s.sources.SyncState != nil {
		st, err := s.sources.SyncState(r.Context())
		if err != nil {
			logging.Warn().Err(err).Msg("Could not read sync state for stats")
		} else {
			resp.Sync = st
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// eventBatch is the POST /v1/events body.
type eventBatch struct {
	Events []*models.CoreEvent `json:"events"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var batch eventBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}

	accepted, rejected := 0, 0
	for _, ev := range batch.Events {
		if ev == nil {
			rejected++
			continue
		}
		// The extension sends bare facts; identity and clock are ours.
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		if ev.SchemaVersion == 0 {
			ev.SchemaVersion = models.SchemaVersion
		}
		if ev.Domain == "" {
			ev.Domain = models.DomainFromURL(ev.URL)
		}
		if err := s.ingest.Publish(r.Context(), ev); err != nil {
			logging.Debug().Err(err).Str("event_id", ev.ID).Msg("Event rejected at ingest")
			rejected++
			continue
		}
		accepted++
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted, "rejected": rejected})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var report heartbeat.StateReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	s.ingest.Tracker.Update(report)
	w.WriteHeader(http.StatusNoContent)
}

// metadataPush is the POST /v1/metadata body.
type metadataPush struct {
	URL      string               `json:"url"`
	Metadata *models.PageMetadata `json:"metadata"`
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	var push metadataPush
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil || push.URL == "" || push.Metadata == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	s.ingest.Metadata.Put(push.URL, push.Metadata)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn().Err(err).Msg("Could not write response")
	}
}

// Serve runs the HTTP server until the context is canceled. It implements
// suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.Timeout,
		WriteTimeout:      s.cfg.Timeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", addr).Msg("Observability server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) String() string { return "observability-server" }
