package microvm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// CreateOverlay creates a QCOW2 copy-on-write overlay disk backed by a
// base (or parent-snapshot) image. This is the copy-on-write mechanism
// behind Prepare and Fork/Branch (spec §4.6): forking creates a fresh
// overlay over the same backing file so siblings diverge freely without
// touching the parent. Restore does not use it; it writes the snapshot
// blob out as a standalone disk file. Grounded on
// fluid-daemon/internal/microvm/overlay.go.
func CreateOverlay(ctx context.Context, basePath, workDir, sandboxID string) (string, error) {
	sandboxDir := filepath.Join(workDir, sandboxID)
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return "", fmt.Errorf("create sandbox dir: %w", err)
	}
	overlayPath := filepath.Join(sandboxDir, "disk.qcow2")

	cmd := exec.CommandContext(ctx, "qemu-img", "create",
		"-f", "qcow2",
		"-b", basePath,
		"-F", "qcow2",
		overlayPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("qemu-img create overlay: %w: %s", err, string(output))
	}
	return overlayPath, nil
}

// RemoveOverlay removes a sandbox's overlay directory and everything in it.
func RemoveOverlay(workDir, sandboxID string) error {
	return os.RemoveAll(filepath.Join(workDir, sandboxID))
}
