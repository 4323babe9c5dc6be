package apiserver

import (
	"time"

	"github.com/crucible-run/engine/internal/model"
)

// requestBody is the wire form of model.Request (spec §3, §6). model
// itself carries no json tags, so types serialized as-is (model.Event on
// the events stream, model.Instance in the registry journal) use their Go
// field names.
type requestBody struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	ImageRef     string            `json:"image_ref"`
	Command      []string          `json:"command"`
	Env          map[string]string `json:"env,omitempty"`
	Stdin        []byte            `json:"stdin,omitempty"`
	TimeoutMS    int64             `json:"timeout_ms,omitempty"`
	MemoryBytes  int64             `json:"memory_bytes,omitempty"`
	CPUShares    int64             `json:"cpu_shares,omitempty"`
	RestoreFrom  string            `json:"restore_from,omitempty"`
	BranchFrom   string            `json:"branch_from,omitempty"`
	InstanceID   string            `json:"instance_id,omitempty"`
	WantSnapshot bool              `json:"want_snapshot,omitempty"`
}

func (b requestBody) toModel() *model.Request {
	return &model.Request{
		ID:       b.ID,
		Mode:     model.Mode(b.Mode),
		ImageRef: b.ImageRef,
		Command:  b.Command,
		Env:      b.Env,
		Stdin:    b.Stdin,
		Limits: model.Limits{
			MemoryBytes: b.MemoryBytes,
			CPUShares:   b.CPUShares,
			Timeout:     time.Duration(b.TimeoutMS) * time.Millisecond,
		},
		RestoreFrom:  b.RestoreFrom,
		BranchFrom:   b.BranchFrom,
		InstanceID:   b.InstanceID,
		WantSnapshot: b.WantSnapshot,
	}
}

// responseBody is the wire form of model.Response.
type responseBody struct {
	RequestID    string `json:"request_id"`
	ExitStatus   int    `json:"exit_status"`
	Stdout       []byte `json:"stdout,omitempty"`
	Stderr       []byte `json:"stderr,omitempty"`
	WallDuration string `json:"wall_duration"`
	ModeUsed     string `json:"mode_used"`
	CacheHit     bool   `json:"cache_hit"`
	SnapshotID   string `json:"snapshot_id,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func fromResponse(resp *model.Response) responseBody {
	return responseBody{
		RequestID:    resp.RequestID,
		ExitStatus:   resp.ExitStatus,
		Stdout:       resp.Stdout,
		Stderr:       resp.Stderr,
		WallDuration: resp.WallDuration.String(),
		ModeUsed:     string(resp.ModeUsed),
		CacheHit:     resp.CacheHit,
		SnapshotID:   resp.SnapshotID,
		ErrorKind:    string(resp.ErrorKind),
		ErrorMessage: resp.ErrorMessage,
	}
}

// instanceBody is the wire form of model.Instance.
type instanceBody struct {
	ID               string                        `json:"id"`
	OwnerID          string                        `json:"owner_id"`
	SandboxID        string                        `json:"sandbox_id,omitempty"`
	State            string                        `json:"state"`
	CheckpointSnapID string                        `json:"checkpoint_snapshot_id,omitempty"`
	TTLDeadline      time.Time                     `json:"ttl_deadline,omitempty"`
	Ports            map[string]model.PortBinding `json:"ports,omitempty"`
}

func fromInstance(inst *model.Instance) instanceBody {
	return instanceBody{
		ID:               inst.ID,
		OwnerID:          inst.OwnerID,
		SandboxID:        inst.SandboxID,
		State:            string(inst.State),
		CheckpointSnapID: inst.CheckpointSnapID,
		TTLDeadline:      inst.TTLDeadline,
		Ports:            inst.Ports,
	}
}

// snapshotBody is the wire form of model.Snapshot.
type snapshotBody struct {
	ID          string    `json:"id"`
	ContentHash string    `json:"content_hash"`
	ParentID    string    `json:"parent_id,omitempty"`
	Creator     string    `json:"creator"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	BackendKind string    `json:"backend_kind"`
}

func fromSnapshot(snap *model.Snapshot) snapshotBody {
	return snapshotBody{
		ID:          snap.ID,
		ContentHash: snap.ContentHash,
		ParentID:    snap.ParentID,
		Creator:     snap.Creator,
		SizeBytes:   snap.SizeBytes,
		CreatedAt:   snap.CreatedAt,
		BackendKind: string(snap.BackendKind),
	}
}
