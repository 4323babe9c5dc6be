package container

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crucible-run/engine/internal/backend"
)

// fakeProxmox serves just enough of the Proxmox VE REST surface for the
// Backend's lifecycle calls, following the teacher's
// client_test.go httptest.NewTLSServer idiom.
func fakeProxmox(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	writeData := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
	}
	mux.HandleFunc("/api2/json/nodes/node1/lxc", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, nil)
	})
	mux.HandleFunc("/api2/json/nodes/node1/lxc/100/status/start", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, nil)
	})
	mux.HandleFunc("/api2/json/nodes/node1/lxc/100/status/stop", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, nil)
	})
	mux.HandleFunc("/api2/json/nodes/node1/lxc/100/status/shutdown", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, nil)
	})
	mux.HandleFunc("/api2/json/nodes/node1/lxc/100", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, nil)
	})
	mux.HandleFunc("/api2/json/nodes/node1/lxc/100/agent/exec", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		cmd := r.FormValue("command")
		exit := 0
		if strings.Contains(cmd, "fail") {
			exit = 1
		}
		writeData(w, map[string]any{"out-data": "hi\n", "err-data": "", "exitcode": exit})
	})
	return httptest.NewTLSServer(mux)
}

func newTestBackend(t *testing.T) *Backend {
	srv := fakeProxmox(t)
	t.Cleanup(srv.Close)
	cfg := Config{
		Host: srv.URL, Node: "node1", VMIDStart: 100, VMIDEnd: 200,
		Template: "alpine-template", MemoryMB: 512, VCPUs: 1,
	}
	return New(cfg, nil, nil)
}

func TestPrepareRunDestroy(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	sandboxID, err := b.Prepare(ctx, "alpine-template")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if sandboxID != "ct-100" {
		t.Fatalf("expected ct-100, got %s", sandboxID)
	}

	result, err := b.Run(ctx, sandboxID, backend.RunSpec{Command: []string{"echo", "hi"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 0 || string(result.Stdout) != "hi\n" {
		t.Fatalf("unexpected result: %+v", result)
	}

	if !b.Probe(ctx, sandboxID) {
		t.Fatal("expected healthy probe after run")
	}

	if err := b.Destroy(ctx, sandboxID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := b.Destroy(ctx, sandboxID); err != nil {
		t.Fatalf("destroy should be idempotent, got: %v", err)
	}
}

func TestVMIDPoolExhaustion(t *testing.T) {
	srv := fakeProxmox(t)
	t.Cleanup(srv.Close)
	cfg := Config{Host: srv.URL, Node: "node1", VMIDStart: 100, VMIDEnd: 101, Template: "alpine"}
	b := New(cfg, nil, nil)

	if _, err := b.Prepare(context.Background(), "alpine"); err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	if _, err := b.Prepare(context.Background(), "alpine"); err == nil {
		t.Fatal("expected ResourceExhausted once VMID pool is exhausted")
	}
}
