// Package audit implements an optional append-only audit trail: one JSON
// line per completed Request, independent of the registry's own
// instance-lifecycle journal (internal/registry). The one-line-per-record
// encoding/json shape mirrors that journal directly, since no pack
// example shows a dedicated audit-log library (the Kafka-based
// alternative the teacher's go.mod listed was never imported by any pack
// file — see DESIGN.md's Dropped teacher dependencies).
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/crucible-run/engine/internal/model"
)

// Sink records completed Requests. Implementations must not block the
// caller on slow I/O for long; Record is called synchronously from the
// request path.
type Sink interface {
	Record(resp *model.Response) error
	Close() error
}

// NoopSink discards every record; the default when auditing is disabled.
type NoopSink struct{}

func (NoopSink) Record(*model.Response) error { return nil }
func (NoopSink) Close() error                 { return nil }

type record struct {
	RequestID    string         `json:"request_id"`
	ModeUsed     model.Mode     `json:"mode_used"`
	ExitStatus   int            `json:"exit_status"`
	CacheHit     bool           `json:"cache_hit"`
	SnapshotID   string         `json:"snapshot_id,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	WallDuration string         `json:"wall_duration"`
	At           time.Time      `json:"at"`
}

// FileSink appends one JSON record per completed Request to a file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// Open creates (or appends to) the audit log at path.
func Open(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileSink{file: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Record(resp *model.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(record{
		RequestID:    resp.RequestID,
		ModeUsed:     resp.ModeUsed,
		ExitStatus:   resp.ExitStatus,
		CacheHit:     resp.CacheHit,
		SnapshotID:   resp.SnapshotID,
		ErrorKind:    string(resp.ErrorKind),
		WallDuration: resp.WallDuration.String(),
		At:           time.Now().UTC(),
	})
}

func (s *FileSink) Close() error {
	return s.file.Close()
}
