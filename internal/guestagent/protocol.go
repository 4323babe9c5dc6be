// Package guestagent implements the host↔guest wire protocol for the
// microVM backend (spec §6): a versioned, length-prefixed, self-describing
// framing used over the host↔guest socket. Host sends exactly one
// JobSpec; the guest replies with zero or more Events, then exactly one
// Result, then a Halt acknowledgement.
//
// The framing style (explicit lengths, a stream of typed frames dispatched
// by a tag byte) follows the same shape as the teacher's
// sandbox-host/internal/agent/client.go command dispatch loop, adapted
// from gRPC message framing to a raw byte-oriented protocol since the
// guest side here is a minimal init, not a full gRPC stack.
package guestagent

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolVersion is the leading u16 version tag on every message.
const ProtocolVersion uint16 = 1

// FrameType tags the payload that follows the frame header.
type FrameType byte

const (
	FrameJobSpec FrameType = iota + 1
	FrameEvent
	FrameResult
	FrameHalt
)

// JobSpec is the host→guest command description.
type JobSpec struct {
	Command []string
	Env     map[string]string
	Payload []byte
	Limits  struct {
		MemoryBytes int64
		CPUShares   int64
		TimeoutMS   int64
	}
}

// EventKind mirrors model.EventKind for the subset the guest can produce.
type EventKind byte

const (
	EventStdout EventKind = iota
	EventStderr
	EventCustom
)

// Event is one guest→host streamed record preceding the terminal Result.
type Event struct {
	Kind    EventKind
	Name    string // only for EventCustom
	Payload []byte
}

// Result is the guest→host terminal outcome of the job.
type Result struct {
	ExitCode int32
	Stdout   []byte
	Stderr   []byte
	Error    string // empty on success
}

// WriteJobSpec frames and writes a JobSpec to w.
func WriteJobSpec(w io.Writer, js *JobSpec) error {
	var body []byte
	body = appendU32(body, uint32(len(js.Command)))
	for _, c := range js.Command {
		body = appendString(body, c)
	}
	body = appendU32(body, uint32(len(js.Env)))
	for k, v := range js.Env {
		body = appendString(body, k)
		body = appendString(body, v)
	}
	body = appendBytes(body, js.Payload)
	body = appendU64(body, uint64(js.Limits.MemoryBytes))
	body = appendU64(body, uint64(js.Limits.CPUShares))
	body = appendU64(body, uint64(js.Limits.TimeoutMS))
	return writeFrame(w, FrameJobSpec, body)
}

// ReadJobSpec reads and decodes a single JobSpec frame.
func ReadJobSpec(r io.Reader) (*JobSpec, error) {
	ft, body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if ft != FrameJobSpec {
		return nil, fmt.Errorf("guestagent: expected JobSpec frame, got %d", ft)
	}
	js := &JobSpec{Env: map[string]string{}}
	cur := body

	n, cur := readU32(cur)
	for i := uint32(0); i < n; i++ {
		var s string
		s, cur = readString(cur)
		js.Command = append(js.Command, s)
	}
	n, cur = readU32(cur)
	for i := uint32(0); i < n; i++ {
		var k, v string
		k, cur = readString(cur)
		v, cur = readString(cur)
		js.Env[k] = v
	}
	js.Payload, cur = readBytes(cur)
	var memBytes, cpuShares, timeoutMS uint64
	memBytes, cur = readU64(cur)
	cpuShares, cur = readU64(cur)
	timeoutMS, _ = readU64(cur)
	js.Limits.MemoryBytes = int64(memBytes)
	js.Limits.CPUShares = int64(cpuShares)
	js.Limits.TimeoutMS = int64(timeoutMS)
	return js, nil
}

// WriteEvent frames and writes one Event to w.
func WriteEvent(w io.Writer, ev *Event) error {
	var body []byte
	body = append(body, byte(ev.Kind))
	body = appendString(body, ev.Name)
	body = appendBytes(body, ev.Payload)
	return writeFrame(w, FrameEvent, body)
}

// WriteResult frames and writes the terminal Result to w.
func WriteResult(w io.Writer, res *Result) error {
	var body []byte
	body = appendU32(body, uint32(res.ExitCode))
	body = appendBytes(body, res.Stdout)
	body = appendBytes(body, res.Stderr)
	body = appendString(body, res.Error)
	return writeFrame(w, FrameResult, body)
}

// WriteHalt writes the final Halt acknowledgement.
func WriteHalt(w io.Writer) error {
	return writeFrame(w, FrameHalt, nil)
}

// ReadFrame reads the next frame from r, decoding it into an Event,
// Result, or Halt (nil, nil, nil return means Halt).
func ReadFrame(r io.Reader) (ft FrameType, event *Event, result *Result, err error) {
	ft, body, err := readFrame(r)
	if err != nil {
		return 0, nil, nil, err
	}
	switch ft {
	case FrameEvent:
		cur := body
		kind := EventKind(cur[0])
		cur = cur[1:]
		var name string
		name, cur = readString(cur)
		payload, _ := readBytes(cur)
		return ft, &Event{Kind: kind, Name: name, Payload: payload}, nil, nil
	case FrameResult:
		cur := body
		var exitCode uint32
		exitCode, cur = readU32(cur)
		var stdout, stderr []byte
		stdout, cur = readBytes(cur)
		stderr, cur = readBytes(cur)
		errMsg, _ := readString(cur)
		return ft, nil, &Result{ExitCode: int32(exitCode), Stdout: stdout, Stderr: stderr, Error: errMsg}, nil
	case FrameHalt:
		return ft, nil, nil, nil
	default:
		return 0, nil, nil, fmt.Errorf("guestagent: unknown frame type %d", ft)
	}
}

func writeFrame(w io.Writer, ft FrameType, body []byte) error {
	header := make([]byte, 2+1+4)
	binary.BigEndian.PutUint16(header[0:2], ProtocolVersion)
	header[2] = byte(ft)
	binary.BigEndian.PutUint32(header[3:7], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r io.Reader) (FrameType, []byte, error) {
	header := make([]byte, 2+1+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	version := binary.BigEndian.Uint16(header[0:2])
	if version != ProtocolVersion {
		return 0, nil, fmt.Errorf("guestagent: unsupported protocol version %d", version)
	}
	ft := FrameType(header[2])
	length := binary.BigEndian.Uint32(header[3:7])
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, err
		}
	}
	return ft, body, nil
}

func appendU32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

func appendBytes(b []byte, v []byte) []byte {
	b = appendU32(b, uint32(len(v)))
	return append(b, v...)
}

func appendString(b []byte, s string) []byte {
	return appendBytes(b, []byte(s))
}

func readU32(b []byte) (uint32, []byte) {
	return binary.BigEndian.Uint32(b[:4]), b[4:]
}

func readU64(b []byte) (uint64, []byte) {
	return binary.BigEndian.Uint64(b[:8]), b[8:]
}

func readBytes(b []byte) ([]byte, []byte) {
	n, rest := readU32(b)
	return rest[:n], rest[n:]
}

func readString(b []byte) (string, []byte) {
	v, rest := readBytes(b)
	return string(v), rest
}
