package guestagent

import (
	"bytes"
	"testing"
)

func TestJobSpecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	js := &JobSpec{
		Command: []string{"echo", "hi"},
		Env:     map[string]string{"A": "1"},
		Payload: []byte("stdin-data"),
	}
	js.Limits.MemoryBytes = 1024
	js.Limits.TimeoutMS = 5000

	if err := WriteJobSpec(&buf, js); err != nil {
		t.Fatal(err)
	}
	got, err := ReadJobSpec(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Command) != 2 || got.Command[0] != "echo" || got.Command[1] != "hi" {
		t.Fatalf("command mismatch: %+v", got.Command)
	}
	if got.Env["A"] != "1" {
		t.Fatalf("env mismatch: %+v", got.Env)
	}
	if string(got.Payload) != "stdin-data" {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
	if got.Limits.MemoryBytes != 1024 || got.Limits.TimeoutMS != 5000 {
		t.Fatalf("limits mismatch: %+v", got.Limits)
	}
}

func TestEventThenResultThenHalt(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteEvent(&buf, &Event{Kind: EventStdout, Payload: []byte("out")}); err != nil {
		t.Fatal(err)
	}
	if err := WriteResult(&buf, &Result{ExitCode: 0, Stdout: []byte("out")}); err != nil {
		t.Fatal(err)
	}
	if err := WriteHalt(&buf); err != nil {
		t.Fatal(err)
	}

	ft, ev, _, err := ReadFrame(&buf)
	if err != nil || ft != FrameEvent || ev == nil || string(ev.Payload) != "out" {
		t.Fatalf("expected event frame, got ft=%v ev=%+v err=%v", ft, ev, err)
	}
	ft, _, res, err := ReadFrame(&buf)
	if err != nil || ft != FrameResult || res == nil || res.ExitCode != 0 {
		t.Fatalf("expected result frame, got ft=%v res=%+v err=%v", ft, res, err)
	}
	ft, _, _, err = ReadFrame(&buf)
	if err != nil || ft != FrameHalt {
		t.Fatalf("expected halt frame, got ft=%v err=%v", ft, err)
	}
}

func TestRejectsWrongProtocolVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHalt(&buf); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[1] = 0xFF // corrupt version low byte
	if _, _, _, err := ReadFrame(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected error on unsupported protocol version")
	}
}
