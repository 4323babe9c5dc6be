// Package registry implements C8: the instance registry and state
// machine for persistent (Mode == Persistent) sandboxes. The in-memory
// map/mutex/Register-Unregister-Get-List shape is grounded on
// control-plane/internal/registry/registry.go; crash recovery is an
// append-only journal file rather than that teacher's in-memory-only
// design, per spec §1's Non-goal excluding a persistent relational
// database — recovery replays the journal instead of loading from GORM.
package registry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/crucible-run/engine/internal/engineerr"
	"github.com/crucible-run/engine/internal/events"
	"github.com/crucible-run/engine/internal/model"
)

// validTransitions enumerates the Instance state machine (spec §4.8):
// Pending -> Running -> Paused <-> Running -> Stopped | Failed. Pending,
// Running and Paused may also move directly to Failed (startup/runtime
// errors), and every state other than Stopped may move to Stopped.
var validTransitions = map[model.InstanceState]map[model.InstanceState]bool{
	model.InstancePending: {model.InstanceRunning: true, model.InstanceStopped: true, model.InstanceFailed: true},
	model.InstanceRunning: {model.InstancePaused: true, model.InstanceStopped: true, model.InstanceFailed: true},
	model.InstancePaused:  {model.InstanceRunning: true, model.InstanceStopped: true, model.InstanceFailed: true},
	model.InstanceFailed:  {model.InstanceStopped: true},
}

// journalEntry is one append-only record (spec §6: "state survives a
// crash via a replayable journal, not a relational store").
type journalEntry struct {
	Op       string         `json:"op"` // "put" | "transition" | "remove" | "bind_port" | "unbind_port"
	Instance *model.Instance `json:"instance,omitempty"`
	ID       string         `json:"id,omitempty"`
	To       model.InstanceState `json:"to,omitempty"`
	PortName string         `json:"port_name,omitempty"`
	PortAddr string         `json:"port_addr,omitempty"`
	At       time.Time      `json:"at"`
}

// Registry tracks every live Instance and its state machine, persisting
// every mutation to an append-only journal file before applying it in
// memory so a crash can replay forward on restart.
type Registry struct {
	journal *os.File
	logger  *slog.Logger
	hub     *events.Hub

	mu        sync.RWMutex
	instances map[string]*model.Instance
}

// SetHub attaches an event hub so port binding/unbinding (spec §4.8) is
// published as a lifecycle event on the instance's own stream, alongside
// the backend imagepull-style optional-setter pattern already used by
// the container backend.
func (r *Registry) SetHub(hub *events.Hub) {
	r.hub = hub
}

// Open creates (or recovers) a Registry backed by the journal at path.
func Open(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:    logger.With("component", "instance-registry"),
		instances: make(map[string]*model.Instance),
	}
	if err := r.replay(path); err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal for append: %w", err)
	}
	r.journal = f
	return r, nil
}

// replay reconstructs in-memory state from an existing journal, if any.
func (r *Registry) replay(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			r.logger.Warn("skipping malformed journal entry", "error", err)
			continue
		}
		switch e.Op {
		case "put":
			if e.Instance != nil {
				r.instances[e.Instance.ID] = e.Instance
			}
		case "transition":
			if inst, ok := r.instances[e.ID]; ok {
				inst.State = e.To
			}
		case "remove":
			delete(r.instances, e.ID)
		case "bind_port":
			if inst, ok := r.instances[e.ID]; ok {
				if inst.Ports == nil {
					inst.Ports = make(map[string]model.PortBinding)
				}
				inst.Ports[e.PortName] = model.PortBinding{Name: e.PortName, HostAddr: e.PortAddr}
			}
		case "unbind_port":
			if inst, ok := r.instances[e.ID]; ok {
				delete(inst.Ports, e.PortName)
			}
		}
	}
	return scanner.Err()
}

func (r *Registry) append(e journalEntry) error {
	e.At = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := r.journal.Write(data); err != nil {
		return err
	}
	return r.journal.Sync()
}

// Put registers a new Instance in state Pending.
func (r *Registry) Put(inst *model.Instance) error {
	if inst.State == "" {
		inst.State = model.InstancePending
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.append(journalEntry{Op: "put", Instance: inst}); err != nil {
		return fmt.Errorf("journal put: %w", err)
	}
	r.instances[inst.ID] = inst
	return nil
}

// Get returns an Instance by id.
func (r *Registry) Get(id string) (*model.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// List returns every currently tracked Instance.
func (r *Registry) List() []*model.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

// Transition moves id's Instance to `to`, rejecting any move the state
// machine does not allow (spec §4.8). Returns
// engineerr.InstanceStateInvalid on an illegal transition.
func (r *Registry) Transition(id string, to model.InstanceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return engineerr.New(engineerr.Internal, fmt.Sprintf("unknown instance %q", id))
	}
	if !validTransitions[inst.State][to] {
		return engineerr.New(engineerr.InstanceStateInvalid, fmt.Sprintf("instance %q cannot move from %s to %s", id, inst.State, to))
	}

	if err := r.append(journalEntry{Op: "transition", ID: id, To: to}); err != nil {
		return fmt.Errorf("journal transition: %w", err)
	}
	inst.State = to
	return nil
}

// Remove deletes id from the registry (spec §4.8: terminal states are
// eventually reaped).
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.append(journalEntry{Op: "remove", ID: id}); err != nil {
		return fmt.Errorf("journal remove: %w", err)
	}
	delete(r.instances, id)
	return nil
}

// BindPort records an opaque host binding for id, making the registry the
// source of truth for port-to-instance routing (spec §4.8), and emits a
// Custom lifecycle event on the instance's own stream if a hub is set.
func (r *Registry) BindPort(id, name, hostAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return engineerr.New(engineerr.Internal, fmt.Sprintf("unknown instance %q", id))
	}

	if err := r.append(journalEntry{Op: "bind_port", ID: id, PortName: name, PortAddr: hostAddr}); err != nil {
		return fmt.Errorf("journal bind_port: %w", err)
	}
	if inst.Ports == nil {
		inst.Ports = make(map[string]model.PortBinding)
	}
	inst.Ports[name] = model.PortBinding{Name: name, HostAddr: hostAddr}

	if r.hub != nil {
		blob, _ := json.Marshal(inst.Ports[name])
		r.hub.NewPublisher(id).Publish(model.Event{Kind: model.EventCustom, Name: "port_bound", Blob: blob, Timestamp: time.Now().UTC()})
	}
	return nil
}

// UnbindPort removes a previously bound port from id. Idempotent: calling
// it for a port that is not currently bound is a no-op.
func (r *Registry) UnbindPort(id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return engineerr.New(engineerr.Internal, fmt.Sprintf("unknown instance %q", id))
	}
	if _, bound := inst.Ports[name]; !bound {
		return nil
	}

	if err := r.append(journalEntry{Op: "unbind_port", ID: id, PortName: name}); err != nil {
		return fmt.Errorf("journal unbind_port: %w", err)
	}
	delete(inst.Ports, name)

	if r.hub != nil {
		r.hub.NewPublisher(id).Publish(model.Event{Kind: model.EventCustom, Name: "port_unbound", Blob: []byte(name), Timestamp: time.Now().UTC()})
	}
	return nil
}

// Close releases the journal file handle.
func (r *Registry) Close() error {
	return r.journal.Close()
}

// ExpiredIDs returns every Instance id whose TTLDeadline has passed and
// which is not already Stopped or Failed (spec §4.8's TTL-driven
// auto-stop).
func (r *Registry) ExpiredIDs(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, inst := range r.instances {
		if inst.State == model.InstanceStopped || inst.State == model.InstanceFailed {
			continue
		}
		if !inst.TTLDeadline.IsZero() && now.After(inst.TTLDeadline) {
			ids = append(ids, id)
		}
	}
	return ids
}
