package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/crucible-run/engine/internal/engineerr"
	"github.com/crucible-run/engine/internal/model"
)

// startInstanceBody registers a new Instance (spec §4.8's "start" verb).
// The backing Sandbox is not created yet; it is prepared lazily on the
// first exec_in_instance call, matching internal/executor's
// ensureRunning (Pending -> Prepare on first use).
type startInstanceBody struct {
	OwnerID    string `json:"owner_id"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	var body startInstanceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, engineerr.Internal, "invalid request body")
		return
	}

	inst := &model.Instance{
		ID:      uuid.NewString(),
		OwnerID: body.OwnerID,
		State:   model.InstancePending,
	}
	if body.TTLSeconds > 0 {
		inst.TTLDeadline = time.Now().UTC().Add(time.Duration(body.TTLSeconds) * time.Second)
	}

	if err := s.registry.Put(inst); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fromInstance(inst))
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances := s.registry.List()
	out := make([]instanceBody, 0, len(instances))
	for _, inst := range instances {
		out = append(out, fromInstance(inst))
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": out, "count": len(out)})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, engineerr.Internal, "unknown instance")
		return
	}
	writeJSON(w, http.StatusOK, fromInstance(inst))
}

func (s *Server) handlePauseInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.executor.PauseInstance(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": true, "instance_id": id})
}

func (s *Server) handleResumeInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.executor.ResumeInstance(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": true, "instance_id": id})
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.executor.StopInstance(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true, "instance_id": id})
}

// execInInstanceBody is the body of an exec_in_instance call: a command
// to run against instance id's Persistent sandbox.
type execInInstanceBody struct {
	ImageRef    string            `json:"image_ref"`
	Command     []string          `json:"command"`
	Env         map[string]string `json:"env,omitempty"`
	Stdin       []byte            `json:"stdin,omitempty"`
	TimeoutMS   int64             `json:"timeout_ms,omitempty"`
	MemoryBytes int64             `json:"memory_bytes,omitempty"`
	CPUShares   int64             `json:"cpu_shares,omitempty"`
}

func (s *Server) handleExecInInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body execInInstanceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, engineerr.Internal, "invalid request body")
		return
	}

	req := &model.Request{
		ID:         uuid.NewString(),
		Mode:       model.ModePersistent,
		InstanceID: id,
		ImageRef:   body.ImageRef,
		Command:    body.Command,
		Env:        body.Env,
		Stdin:      body.Stdin,
		Limits: model.Limits{
			MemoryBytes: body.MemoryBytes,
			CPUShares:   body.CPUShares,
			Timeout:     time.Duration(body.TimeoutMS) * time.Millisecond,
		},
	}

	resp, err := s.executor.Run(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, engineerr.KindOf(err), err.Error())
		return
	}
	s.telemetry.TrackRequest(resp)
	if err := s.audit.Record(resp); err != nil {
		s.logger.Warn("audit record failed", "request_id", resp.RequestID, "error", err)
	}
	writeJSON(w, http.StatusOK, fromResponse(resp))
}

// exposePortBody binds a new opaque host port to a running Instance
// (spec §4.8's "expose_port").
type exposePortBody struct {
	Name     string `json:"name"`
	HostAddr string `json:"host_addr"`
}

func (s *Server) handleExposePort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body exposePortBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, engineerr.Internal, "invalid request body")
		return
	}
	if body.Name == "" || body.HostAddr == "" {
		writeError(w, http.StatusBadRequest, engineerr.Internal, "name and host_addr are required")
		return
	}

	if err := s.registry.BindPort(id, body.Name, body.HostAddr); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": body.Name, "host_addr": body.HostAddr})
}

// handleHidePort removes a previously exposed port (spec §4.8's
// "hide_port"). Idempotent, matching registry.UnbindPort.
func (s *Server) handleHidePort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	if err := s.registry.UnbindPort(id, name); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hidden": true, "name": name})
}
