// Package fingerprint computes the canonical Request fingerprint used as
// the key for both warm-pool selection and result-cache lookups (spec §3,
// property 1).
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/crucible-run/engine/internal/model"
)

// Compute returns the canonical SHA-256 fingerprint over a Request's
// command, image reference, environment (sorted by key), stdin payload,
// and backend kind. Insertion order of Env is irrelevant by construction.
func Compute(r *model.Request, backend model.BackendKind) string {
	h := sha256.New()

	writeString := func(s string) {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	writeString(string(backend))
	writeString(r.ImageRef)

	var cmdLenBuf [8]byte
	binary.BigEndian.PutUint64(cmdLenBuf[:], uint64(len(r.Command)))
	h.Write(cmdLenBuf[:])
	for _, c := range r.Command {
		writeString(c)
	}

	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var envLenBuf [8]byte
	binary.BigEndian.PutUint64(envLenBuf[:], uint64(len(keys)))
	h.Write(envLenBuf[:])
	for _, k := range keys {
		writeString(k)
		writeString(r.Env[k])
	}

	var payloadLenBuf [8]byte
	binary.BigEndian.PutUint64(payloadLenBuf[:], uint64(len(r.Stdin)))
	h.Write(payloadLenBuf[:])
	h.Write(r.Stdin)

	return hex.EncodeToString(h.Sum(nil))
}
