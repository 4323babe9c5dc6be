package apiserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crucible-run/engine/internal/engineerr"
)

// handleSubmitRequest executes one Request to completion and returns its
// Response (spec §3, §6). This is the Engine API's core operation; every
// Mode (Ephemeral/Cached/Checkpointed/Branched/Persistent) goes through
// the same endpoint, selected by the body's "mode" field.
func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, engineerr.Internal, "invalid request body")
		return
	}

	req := body.toModel()
	resp, err := s.executor.Run(r.Context(), req)
	if err != nil {
		// Only a pre-dispatch Validate() failure reaches here; every
		// failure after dispatch begins is folded into resp.ErrorKind
		// instead (see internal/executor's "never returns a Go error
		// once dispatch begins" design note).
		writeError(w, http.StatusBadRequest, engineerr.KindOf(err), err.Error())
		return
	}

	s.telemetry.TrackRequest(resp)
	if err := s.audit.Record(resp); err != nil {
		s.logger.Warn("audit record failed", "request_id", resp.RequestID, "error", err)
	}
	writeJSON(w, http.StatusOK, fromResponse(resp))
}

// handleSubscribeEvents streams a Request's event stream (spec §4.10,
// §6) as newline-delimited JSON, one object per model.Event, flushed as
// each event is published. The teacher would reach for a gRPC
// server-streaming RPC here; this engine has no remote host on the other
// end, so it streams over plain HTTP instead (see package doc and
// DESIGN.md).
func (s *Server) handleSubscribeEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, engineerr.Internal, "streaming unsupported")
		return
	}

	sub := s.hub.Subscribe(r.Context(), id)
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	for ev := range sub.Ch {
		if err := enc.Encode(ev); err != nil {
			return
		}
		flusher.Flush()
	}
}
