// Package apiserver implements the Engine API (spec §6): a single local
// HTTP surface exposing Request/Response submission, an events
// subscription endpoint keyed by request id, the instance-management
// surface (start/pause/resume/stop/exec_in_instance/expose_port/
// hide_port), the snapshot surface (create/get/list/delete/restore), and
// a health endpoint. Grounded on control-plane/internal/api/server.go's
// chi.Router + middleware stack and handlers_sandbox.go's
// decode-validate-call-respond handler shape.
//
// The teacher exposes this surface as a thin REST front for a
// control-plane/host split reached over gRPC (internal/grpc/stream.go).
// This engine has no remote host on the other end, and spec §6 itself
// says Engine API values are "transport-agnostic (JSON is typical)," so
// every operation — including the events stream, which the teacher would
// have reached for gRPC server-streaming to serve — is plain HTTP/JSON
// (see DESIGN.md's Dropped teacher dependencies entry for grpc/protobuf).
package apiserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/crucible-run/engine/internal/audit"
	"github.com/crucible-run/engine/internal/backend"
	"github.com/crucible-run/engine/internal/checkpoint"
	"github.com/crucible-run/engine/internal/engineerr"
	"github.com/crucible-run/engine/internal/events"
	"github.com/crucible-run/engine/internal/executor"
	"github.com/crucible-run/engine/internal/registry"
	"github.com/crucible-run/engine/internal/telemetry"
)

// Server is the engine's REST API.
type Server struct {
	Router chi.Router

	backend     backend.Backend
	executor    *executor.Executor
	registry    *registry.Registry
	checkpoints *checkpoint.Coordinator
	hub         *events.Hub
	telemetry   telemetry.Service
	audit       audit.Sink
	logger      *slog.Logger
}

// NewServer builds a Server with every route registered. tel and aud may
// be nil, in which case events go nowhere (equivalent to
// telemetry.NoopService/audit.NoopSink).
func NewServer(b backend.Backend, exec *executor.Executor, reg *registry.Registry, ck *checkpoint.Coordinator, hub *events.Hub, tel telemetry.Service, aud audit.Sink, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if tel == nil {
		tel = telemetry.NoopService{}
	}
	if aud == nil {
		aud = audit.NoopSink{}
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		Router:      router,
		backend:     b,
		executor:    exec,
		registry:    reg,
		checkpoints: ck,
		hub:         hub,
		telemetry:   tel,
		audit:       aud,
		logger:      logger.With("component", "apiserver"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.Get("/v1/health", s.handleHealth)

	s.Router.Post("/v1/requests", s.handleSubmitRequest)
	s.Router.Get("/v1/requests/{id}/events", s.handleSubscribeEvents)

	s.Router.Post("/v1/instances", s.handleStartInstance)
	s.Router.Get("/v1/instances", s.handleListInstances)
	s.Router.Get("/v1/instances/{id}", s.handleGetInstance)
	s.Router.Post("/v1/instances/{id}/pause", s.handlePauseInstance)
	s.Router.Post("/v1/instances/{id}/resume", s.handleResumeInstance)
	s.Router.Post("/v1/instances/{id}/stop", s.handleStopInstance)
	s.Router.Post("/v1/instances/{id}/exec", s.handleExecInInstance)
	s.Router.Post("/v1/instances/{id}/ports", s.handleExposePort)
	s.Router.Delete("/v1/instances/{id}/ports/{name}", s.handleHidePort)

	s.Router.Post("/v1/snapshots", s.handleCreateSnapshot)
	s.Router.Get("/v1/snapshots", s.handleListSnapshots)
	s.Router.Get("/v1/snapshots/{id}", s.handleGetSnapshot)
	s.Router.Delete("/v1/snapshots/{id}", s.handleDeleteSnapshot)
	s.Router.Post("/v1/snapshots/{id}/restore", s.handleRestoreSnapshot)
}

// StartHTTP runs the HTTP server on addr.
func (s *Server) StartHTTP(addr string) error {
	s.logger.Info("starting HTTP server", "addr", addr)
	return http.ListenAndServe(addr, s.Router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	caps, err := s.backend.Capabilities(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"backend":      s.backend.Kind(),
		"capabilities": caps,
	})
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response", "error", err)
	}
}

// errorBody is the stable error envelope spec §6 requires: a code string
// plus optional free-form details.
type errorBody struct {
	Code    engineerr.Kind `json:"code"`
	Message string         `json:"message"`
	Details string         `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code engineerr.Kind, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// writeEngineError maps an *engineerr.EngineError's Kind onto an HTTP
// status the way the teacher maps domain errors onto writeError calls,
// generalized into one table instead of one writeError call per handler.
func writeEngineError(w http.ResponseWriter, err error) {
	kind := engineerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case engineerr.ImageUnavailable, engineerr.BackendUnavailable:
		status = http.StatusServiceUnavailable
	case engineerr.ResourceExhausted:
		status = http.StatusTooManyRequests
	case engineerr.Timeout:
		status = http.StatusGatewayTimeout
	case engineerr.Cancelled:
		status = http.StatusRequestTimeout
	case engineerr.RestoreIncompatible, engineerr.CheckpointUnstable, engineerr.InstanceStateInvalid:
		status = http.StatusConflict
	case engineerr.SandboxLost:
		status = http.StatusGone
	}
	body := errorBody{Code: kind, Message: err.Error()}
	writeJSON(w, status, body)
}
