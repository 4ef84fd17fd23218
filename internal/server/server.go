// Package server provides the administration HTTP server of the MSH.
//
// The ebMS endpoint itself is served by the transport package. This server
// exposes operational endpoints next to it:
//
// # Health & Metrics
//
//   - GET /health  - Liveness probe
//   - GET /ready   - Readiness probe (storage reachable, MSH running)
//   - GET /metrics - Prometheus metrics (if enabled)
//
// # Message API (requires the X-Admin-Key header)
//
//   - GET  /api/messages                          - List message units
//   - POST /api/messages                          - Submit a user message
//   - GET  /api/messages/{messageID}              - Units with a MessageId
//   - GET  /api/messages/{messageID}/transmissions - Transmission count
//   - GET  /api/units/{coreID}                    - A single unit with its history
//   - GET  /api/pmodes                            - Configured P-Modes
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirosfoundation/go-msh/internal/config"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/msh"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/storage"
)

const maxListLimit = 100

// Engine is the part of the MSH the server works with
type Engine interface {
	Running() bool
	Store() *storage.Coordinator
	PModes() *pmode.Manager
	Submit(ctx context.Context, unit *message.MessageUnit) (*message.MessageUnit, error)
}

// Server is the administration HTTP server
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	httpSrv  *http.Server
	engine   Engine
	gatherer prometheus.Gatherer
}

// New creates a new admin server. A nil gatherer disables /metrics.
func New(cfg *config.Config, engine Engine, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:   cfg,
		logger:   logger.With("component", "admin"),
		engine:   engine,
		gatherer: gatherer,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins listening on the specified address
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info("starting admin server", "addr", addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	if s.gatherer != nil && s.config.Observability.Metrics.Enabled {
		mux.Handle("GET "+s.config.Observability.Metrics.Path,
			promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /api/messages", s.withAdmin(s.handleListMessages))
	mux.HandleFunc("POST /api/messages", s.withAdmin(s.handleSubmit))
	mux.HandleFunc("GET /api/messages/{messageID}", s.withAdmin(s.handleGetMessage))
	mux.HandleFunc("GET /api/messages/{messageID}/transmissions", s.withAdmin(s.handleTransmissions))
	mux.HandleFunc("GET /api/units/{coreID}", s.withAdmin(s.handleGetUnit))
	mux.HandleFunc("GET /api/pmodes", s.withAdmin(s.handleListPModes))
}

// Middleware

func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Check for admin API key in header
		apiKey := r.Header.Get("X-Admin-Key")
		if apiKey == "" || apiKey != s.config.Server.AdminKey {
			s.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Store().Ping(r.Context()); err != nil {
		s.logger.Warn("storage not ready", "error", err)
		s.jsonError(w, "storage not ready", http.StatusServiceUnavailable)
		return
	}
	if !s.engine.Running() {
		s.jsonError(w, "MSH not running", http.StatusServiceUnavailable)
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

// Message handlers

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.Filter{
		Kind:           message.Kind(q.Get("kind")),
		Direction:      message.Direction(q.Get("direction")),
		RefToMessageID: q.Get("refToMessageId"),
		Limit:          50, // Default limit
	}
	if state := q.Get("state"); state != "" {
		for _, st := range strings.Split(state, ",") {
			filter.States = append(filter.States, message.ProcessingState(st))
		}
	}
	if pm := q.Get("pmode"); pm != "" {
		filter.PModeIDs = []string{pm}
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit <= maxListLimit {
			filter.Limit = limit
		}
	}

	units, err := s.engine.Store().Find(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list message units", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]interface{}{
		"units": nonNil(units),
		"limit": filter.Limit,
	}, http.StatusOK)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("messageID")
	dir := message.Direction(r.URL.Query().Get("direction"))

	units, err := s.engine.Store().ByMessageID(r.Context(), messageID, dir)
	if err != nil {
		s.logger.Error("failed to get message", "message_id", messageID, "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if len(units) == 0 {
		s.jsonError(w, "message not found", http.StatusNotFound)
		return
	}
	s.jsonResponse(w, map[string]interface{}{"units": units}, http.StatusOK)
}

func (s *Server) handleTransmissions(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("messageID")
	n, err := s.engine.Store().CountTransmissions(r.Context(), messageID)
	if err != nil {
		s.logger.Error("failed to count transmissions", "message_id", messageID, "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]interface{}{
		"messageId":     messageID,
		"transmissions": n,
	}, http.StatusOK)
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := s.engine.Store().Get(r.Context(), r.PathValue("coreID"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.jsonError(w, "message unit not found", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("failed to get message unit", "error", err)
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, unit, http.StatusOK)
}

// SubmitRequest is the body of POST /api/messages
type SubmitRequest struct {
	PModeID        string             `json:"pmodeId"`
	MessageID      string             `json:"messageId,omitempty"`
	ConversationID string             `json:"conversationId,omitempty"`
	Service        string             `json:"service,omitempty"`
	Action         string             `json:"action,omitempty"`
	Properties     []message.Property `json:"properties,omitempty"`
	Payloads       []struct {
		URI      string `json:"uri"`
		MimeType string `json:"mimeType"`
	} `json:"payloads,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PModeID == "" {
		s.jsonError(w, "pmodeId is required", http.StatusBadRequest)
		return
	}

	opts := []message.Option{message.WithPMode(req.PModeID)}
	if req.MessageID != "" {
		opts = append(opts, message.WithMessageID(req.MessageID))
	}
	if req.ConversationID != "" {
		opts = append(opts, message.WithConversationID(req.ConversationID))
	}
	if req.Service != "" {
		opts = append(opts, message.WithService(req.Service))
	}
	if req.Action != "" {
		opts = append(opts, message.WithAction(req.Action))
	}
	for _, p := range req.Properties {
		opts = append(opts, message.WithMessageProperty(p.Name, p.Value))
	}
	b := message.NewUserMessage(opts...)
	for _, p := range req.Payloads {
		b.AddPayload(p.URI, p.MimeType)
	}

	unit, err := s.engine.Submit(r.Context(), b.Build())
	if err != nil {
		s.logger.Warn("submission rejected", "pmode", req.PModeID, "error", err)
		s.jsonError(w, err.Error(), submitStatus(err))
		return
	}
	s.jsonResponse(w, unit, http.StatusCreated)
}

func (s *Server) handleListPModes(w http.ResponseWriter, r *http.Request) {
	type summary struct {
		ID         string `json:"id"`
		MEPBinding string `json:"mepBinding,omitempty"`
		MPC        string `json:"mpc"`
		Service    string `json:"service,omitempty"`
		Action     string `json:"action,omitempty"`
		Reliable   bool   `json:"reliable"`
	}
	var out []summary
	for _, p := range s.engine.PModes().All() {
		leg := p.Leg("")
		sum := summary{ID: p.ID, MEPBinding: p.MEPBinding, MPC: pmode.MPC(leg)}
		if bi := pmode.BusinessInfoOf(leg); bi != nil {
			sum.Service, sum.Action = bi.Service, bi.Action
		}
		_, sum.Reliable = pmode.WaitIntervals(leg)
		out = append(out, sum)
	}
	s.jsonResponse(w, map[string]interface{}{"pmodes": nonNil(out)}, http.StatusOK)
}

// Helper functions

// submitStatus maps a submission error to an HTTP status
func submitStatus(err error) int {
	switch {
	case errors.Is(err, msh.ErrUnknownPMode), errors.Is(err, msh.ErrInvalidMessage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, msh.ErrMSHNotStarted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}
