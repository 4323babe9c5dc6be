// Package config loads the engine's process-wide, immutable-after-startup
// configuration (spec §6).
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendKind selects which sandbox backend the engine drives.
type BackendKind string

const (
	BackendContainer BackendKind = "container"
	BackendMicroVM   BackendKind = "microvm"
	BackendAuto      BackendKind = "auto"
)

// Config holds all configuration recognized by the engine (spec §6).
// Every field here corresponds to one of the named configuration keys;
// unknown keys are rejected at Load time.
type Config struct {
	BackendKind BackendKind `yaml:"backend_kind"`

	Container ContainerConfig `yaml:"container"`
	MicroVM   MicroVMConfig   `yaml:"microvm"`

	SnapshotRoot  string `yaml:"snapshot_root"`
	ObjectStoreURL string `yaml:"object_store_url"`

	Pool PoolConfig `yaml:"pool"`

	CacheMaxBytes  int64         `yaml:"cache_max_bytes"`
	CacheEntryTTL  time.Duration `yaml:"cache_entry_ttl"`

	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	GracefulStopDelay time.Duration `yaml:"graceful_stop_delay"`

	InstanceDefaultTTL time.Duration `yaml:"instance_default_ttl"`

	LogLevel string `yaml:"log_level"`

	// Domain-stack additions (SPEC_FULL.md Part C), carried alongside the
	// spec.md-named keys above.
	Libvirt LibvirtConfig `yaml:"libvirt"`
	Proxmox ProxmoxConfig `yaml:"proxmox"`
	Audit   AuditConfig   `yaml:"audit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	API     APIConfig     `yaml:"api"`
}

// ContainerConfig configures the C2 container backend.
type ContainerConfig struct {
	APIEndpoint string `yaml:"api_endpoint"`
}

// MicroVMConfig configures the C3 microVM backend.
type MicroVMConfig struct {
	BinaryPath string `yaml:"binary_path"`
	KernelPath string `yaml:"kernel_path"`
	RootfsPath string `yaml:"rootfs_path"`
	WorkDir    string `yaml:"work_dir"`
	VCPUs      int    `yaml:"vcpus"`
	MemoryMB   int    `yaml:"memory_mb"`
}

// PoolConfig configures the C4 warm pool.
type PoolConfig struct {
	MaxTotal int `yaml:"max_total"`
	MaxIdle  int `yaml:"max_idle"`
	MaxAge   time.Duration `yaml:"max_age"`
	MaxUses  int `yaml:"max_uses"`
}

// LibvirtConfig configures the libvirt-managed microVM path.
type LibvirtConfig struct {
	URI string `yaml:"uri"`
}

// ProxmoxConfig configures the Proxmox-backed container path.
type ProxmoxConfig struct {
	Host      string `yaml:"host"`
	TokenID   string `yaml:"token_id"`
	Secret    string `yaml:"secret"`
	Node      string `yaml:"node"`
	VerifySSL bool   `yaml:"verify_ssl"`
	VMIDStart int    `yaml:"vmid_start"`
	VMIDEnd   int    `yaml:"vmid_end"`
	Template  string `yaml:"template"`
	MemoryMB  int    `yaml:"memory_mb"`
	VCPUs     int    `yaml:"vcpus"`
}

// AuditConfig configures the optional append-only audit log: one JSON
// line per completed Request, independent of the registry's own
// instance-lifecycle journal.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TelemetryConfig configures best-effort usage telemetry.
type TelemetryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	APIKey    string `yaml:"api_key"`
	Endpoint  string `yaml:"endpoint"`
}

// APIConfig configures the chi-based Engine API surface.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a configuration with sensible defaults, following
// the teacher's DefaultConfig() shape.
func Default() Config {
	return Config{
		BackendKind: BackendAuto,
		Container: ContainerConfig{
			APIEndpoint: "unix:///var/run/docker.sock",
		},
		MicroVM: MicroVMConfig{
			BinaryPath: "qemu-system-x86_64",
			WorkDir:    "/var/lib/crucible/sandboxes",
			VCPUs:      2,
			MemoryMB:   2048,
		},
		SnapshotRoot: "/var/lib/crucible/snapshots",
		Pool: PoolConfig{
			MaxTotal: 64,
			MaxIdle:  16,
			MaxAge:   1 * time.Hour,
			MaxUses:  256,
		},
		CacheMaxBytes:      256 << 20,
		CacheEntryTTL:      15 * time.Minute,
		DefaultTimeout:     30 * time.Second,
		GracefulStopDelay:  2 * time.Second,
		InstanceDefaultTTL: 24 * time.Hour,
		LogLevel:           "info",
		Libvirt: LibvirtConfig{URI: "qemu:///system"},
		Proxmox: ProxmoxConfig{
			VMIDStart: 9000,
			VMIDEnd:   9999,
			Template:  "base",
			MemoryMB:  2048,
			VCPUs:     2,
		},
		API: APIConfig{
			ListenAddr: ":8080",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults
// when the file does not exist. Unknown keys are rejected (spec §6:
// "Unknown keys are rejected at startup").
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to a YAML file.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
