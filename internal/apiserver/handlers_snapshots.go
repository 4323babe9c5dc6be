package apiserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crucible-run/engine/internal/engineerr"
)

// createSnapshotBody captures an existing Sandbox's state directly (spec
// §4.5/§4.6's "create" primitive), independent of any WantSnapshot flag
// on an executed Request.
type createSnapshotBody struct {
	SandboxID string `json:"sandbox_id"`
	Creator   string `json:"creator"`
	ParentID  string `json:"parent_id,omitempty"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var body createSnapshotBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, engineerr.Internal, "invalid request body")
		return
	}
	if body.SandboxID == "" {
		writeError(w, http.StatusBadRequest, engineerr.Internal, "sandbox_id is required")
		return
	}

	snap, err := s.checkpoints.Checkpoint(r.Context(), s.backend, body.SandboxID, body.Creator, body.ParentID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fromSnapshot(snap))
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps := s.checkpoints.List()
	out := make([]snapshotBody, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, fromSnapshot(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": out, "count": len(out)})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.checkpoints.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, engineerr.Internal, "unknown snapshot")
		return
	}
	writeJSON(w, http.StatusOK, fromSnapshot(snap))
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.checkpoints.Forget(id)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "snapshot_id": id})
}

// handleRestoreSnapshot allocates a brand-new, fully independent Sandbox
// from a catalogued Snapshot (spec §4.6's Restore semantics, as opposed
// to Fork's copy-on-write sibling — there is no "fork" verb in the
// snapshot surface per spec §6, so Fork stays reachable only through the
// Branched execution mode).
func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sandboxID, err := s.checkpoints.Restore(r.Context(), s.backend, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sandbox_id": sandboxID})
}
