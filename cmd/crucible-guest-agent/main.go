// Command crucible-guest-agent is the minimal in-guest process that runs
// inside a microVM: it listens on the host↔guest socket, decodes a single
// JobSpec, executes the command, streams stdout/stderr as Events, and
// finally sends the Result envelope followed by Halt (spec §6, §4.3).
//
// In a real microVM this binary is baked into the rootfs and started by
// init; the command-execution shape (capture stdout/stderr, report exit
// code, bound by a timeout) mirrors the teacher's
// sandbox-host/internal/agent/client.go handleRunCommand, adapted from an
// SSH hop to a direct local exec since the agent already runs inside the
// target.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/crucible-run/engine/internal/guestagent"
)

func main() {
	sockPath := flag.String("socket", "/dev/crucible-agent.sock", "host<->guest socket path")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "guest-agent")

	_ = os.Remove(*sockPath)
	ln, err := net.Listen("unix", *sockPath)
	if err != nil {
		logger.Error("listen failed", "error", err)
		os.Exit(1)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Error("accept failed", "error", err)
			continue
		}
		handleConn(conn, logger)
	}
}

func handleConn(conn net.Conn, logger *slog.Logger) {
	defer conn.Close()

	js, err := guestagent.ReadJobSpec(conn)
	if err != nil {
		logger.Error("read job spec failed", "error", err)
		return
	}

	timeout := time.Duration(js.Limits.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result := runCommand(ctx, conn, js)

	if err := guestagent.WriteResult(conn, result); err != nil {
		logger.Error("write result failed", "error", err)
		return
	}
	if err := guestagent.WriteHalt(conn); err != nil {
		logger.Error("write halt failed", "error", err)
	}
}

// runCommand executes js.Command, streaming stdout/stderr as they
// arrive (one Event per Write from the process) while also accumulating the
// full buffers for the terminal Result.
func runCommand(ctx context.Context, conn net.Conn, js *guestagent.JobSpec) *guestagent.Result {
	if len(js.Command) == 0 {
		return &guestagent.Result{ExitCode: -1, Error: "empty command"}
	}

	cmd := exec.CommandContext(ctx, js.Command[0], js.Command[1:]...)
	for k, v := range js.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &teeWriter{buf: &stdoutBuf, emit: func(p []byte) {
		_ = guestagent.WriteEvent(conn, &guestagent.Event{Kind: guestagent.EventStdout, Payload: p})
	}}
	cmd.Stderr = &teeWriter{buf: &stderrBuf, emit: func(p []byte) {
		_ = guestagent.WriteEvent(conn, &guestagent.Event{Kind: guestagent.EventStderr, Payload: p})
	}}

	if len(js.Payload) > 0 {
		cmd.Stdin = bytes.NewReader(js.Payload)
	}

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return &guestagent.Result{ExitCode: -1, Stdout: stdoutBuf.Bytes(), Stderr: stderrBuf.Bytes(), Error: err.Error()}
		}
	}

	return &guestagent.Result{ExitCode: int32(exitCode), Stdout: stdoutBuf.Bytes(), Stderr: stderrBuf.Bytes()}
}

// teeWriter mirrors every Write into both an accumulating buffer (for the
// terminal Result) and an emit callback (for streamed Events), preserving
// per-stream write order exactly as received from the child process.
type teeWriter struct {
	buf  *bytes.Buffer
	emit func([]byte)
}

func (t *teeWriter) Write(p []byte) (int, error) {
	t.buf.Write(p)
	cp := make([]byte, len(p))
	copy(cp, p)
	t.emit(cp)
	return len(p), nil
}
