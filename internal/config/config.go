// Package config provides configuration loading, validation, and hot-reload
// for the qcored quorum/group-messaging core.
//
// Configuration file: /etc/qcored/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - A valid new config only replaces the Config value cmd/qcored holds;
//     no running component (logger level, vote tunables, totem transport,
//     storage) is reconfigured from it, so every change takes effect on
//     restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g. expected_votes >= 1, timeouts > 0).
//   - Storage file paths (db_path, ev_barrier_path) must be absolute.
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for qcored.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is this node's numeric totem ring identity. Must be unique
	// cluster-wide and nonzero.
	NodeID uint32 `yaml:"node_id"`

	// Totem configures the gRPC group-membership transport.
	Totem TotemConfig `yaml:"totem"`

	// VoteQuorum configures the quorum-computation policy.
	VoteQuorum VoteQuorumConfig `yaml:"votequorum"`

	// CPG configures the closed-process-group engine.
	CPG CPGConfig `yaml:"cpg"`

	// Storage configures the ev_barrier file and the bbolt-backed audit
	// ledger / CPG snapshot store.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the operator override Unix socket.
	Operator OperatorConfig `yaml:"operator"`
}

// TotemPeerConfig names one other ring member's dial address.
type TotemPeerConfig struct {
	NodeID uint32 `yaml:"node_id"`
	Addr   string `yaml:"addr"`
}

// TotemConfig holds group-membership transport parameters.
type TotemConfig struct {
	// ListenAddr is this node's gRPC listen address, e.g. "0.0.0.0:9443".
	ListenAddr string `yaml:"listen_addr"`

	// Peers is the static list of every other ring member known at
	// startup. Dynamic peer discovery is out of scope; adding a node
	// requires restarting every existing member with an updated list.
	Peers []TotemPeerConfig `yaml:"peers"`

	// HealthInterval is how often this node probes every configured peer.
	// Default: 1s.
	HealthInterval time.Duration `yaml:"health_interval"`

	// HealthTimeout bounds a single health-probe RPC. Default: 2s.
	HealthTimeout time.Duration `yaml:"health_timeout"`

	// TLS configures mutual TLS between ring members. When unset, the
	// transport runs over plaintext gRPC — only appropriate for local
	// development or a trusted loopback-only deployment.
	TLS *TotemTLSConfig `yaml:"tls"`
}

// TotemTLSConfig holds mTLS material for the totem transport.
type TotemTLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// VoteQuorumConfig mirrors votequorum.Config, in its YAML-serializable
// form (ATBMode as a string, node lists as plain uint32s).
type VoteQuorumConfig struct {
	// TwoNode collapses quorum to 1 for a two-member cluster. Rejected at
	// validation time if AutoTieBreaker is also set.
	TwoNode bool `yaml:"two_node"`

	// WaitForAll holds the cluster non-quorate at startup until every
	// expected node has been seen at least once.
	WaitForAll bool `yaml:"wait_for_all"`

	// AutoTieBreaker enables the ATB split-brain resolution policy.
	AutoTieBreaker bool `yaml:"auto_tie_breaker"`

	// ATBMode is "lowest", "highest", or "list". Required when
	// AutoTieBreaker is true.
	ATBMode string `yaml:"atb_mode"`

	// ATBNodeList is the tie-breaking node set when ATBMode is "list".
	ATBNodeList []uint32 `yaml:"atb_node_list"`

	// AllowDownscale permits expected_votes to be lowered below the
	// persisted ev_barrier via explicit operator action.
	AllowDownscale bool `yaml:"allow_downscale"`

	// LastManStanding automatically lowers expected_votes to the surviving
	// membership's vote total once it has stayed stable for
	// LastManStandingWindow. Incompatible with QDeviceEnabled.
	LastManStanding bool `yaml:"last_man_standing"`

	// LastManStandingWindow is how long the surviving membership must stay
	// stable before LastManStanding reduces expected_votes. Default: 10s.
	LastManStandingWindow time.Duration `yaml:"last_man_standing_window"`

	// ExpectedVotesTracking enables ev_barrier persistence. When false,
	// expected votes are never durable across a restart.
	ExpectedVotesTracking bool `yaml:"expected_votes_tracking"`

	// ExpectedVotesDefault seeds expected_votes for a node that has no
	// persisted ev_barrier yet (first boot of the cluster).
	ExpectedVotesDefault uint32 `yaml:"expected_votes_default"`

	// QDeviceEnabled allows a quorum device to register and cast a vote.
	QDeviceEnabled bool `yaml:"qdevice_enabled"`

	// QDeviceVotes is the vote weight granted to a registered qdevice.
	QDeviceVotes uint32 `yaml:"qdevice_votes"`

	// QDeviceTimeout is how long a qdevice may stay silent before its
	// cast vote is withdrawn. Default: 10s.
	QDeviceTimeout time.Duration `yaml:"qdevice_timeout"`

	// QDeviceSyncTimeout bounds how long sync_process waits for a poll
	// carrying the current sync ring id before giving up. Default: 30s.
	QDeviceSyncTimeout time.Duration `yaml:"qdevice_sync_timeout"`
}

// CPGConfig holds closed-process-group parameters.
type CPGConfig struct {
	// SnapshotEnabled turns on the post-SyncActivate persistence hook
	// that writes the full process-info list to storage.DB for crash
	// recovery.
	SnapshotEnabled bool `yaml:"snapshot_enabled"`
}

// StorageConfig holds the ev_barrier file and bbolt database parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the bbolt file backing the
	// quorum-transition ledger and CPG snapshot.
	// Default: /var/lib/qcored/qcored.db.
	DBPath string `yaml:"db_path"`

	// EvBarrierPath is the absolute path to the raw 4-byte ev_barrier
	// file. Default: /var/lib/qcored/ev_barrier.
	EvBarrierPath string `yaml:"ev_barrier_path"`

	// LedgerEnabled turns on audit-ledger writes for every quorate
	// transition. When false, votequorum.Engine.SetLedger is never
	// called and no ledger entries accumulate.
	LedgerEnabled bool `yaml:"ledger_enabled"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds operator override parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the operator CLI.
	// Permissions: 0600, owned by root. Default: /run/qcored/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled"`
}

// DefaultDBPath mirrors the storage package's default for use in config
// defaults without creating an import cycle.
const DefaultDBPath = "/var/lib/qcored/qcored.db"

// DefaultEvBarrierPath mirrors storage.DefaultEvBarrierPath.
const DefaultEvBarrierPath = "/var/lib/qcored/ev_barrier"

// Defaults returns a Config populated with all default values, matching a
// single-node, no-qdevice, plaintext-totem deployment.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		NodeID:        1,
		Totem: TotemConfig{
			ListenAddr:     "0.0.0.0:9443",
			HealthInterval: time.Second,
			HealthTimeout:  2 * time.Second,
		},
		VoteQuorum: VoteQuorumConfig{
			ExpectedVotesTracking: true,
			ExpectedVotesDefault:  1,
			LastManStandingWindow: 10 * time.Second,
			QDeviceTimeout:        10 * time.Second,
			QDeviceSyncTimeout:    30 * time.Second,
			QDeviceVotes:          1,
		},
		CPG: CPGConfig{
			SnapshotEnabled: true,
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			EvBarrierPath: DefaultEvBarrierPath,
			LedgerEnabled: true,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/qcored/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == 0 {
		errs = append(errs, "node_id must be nonzero")
	}
	if cfg.Totem.ListenAddr == "" {
		errs = append(errs, "totem.listen_addr must not be empty")
	}
	if cfg.Totem.HealthInterval <= 0 {
		errs = append(errs, fmt.Sprintf("totem.health_interval must be > 0, got %s", cfg.Totem.HealthInterval))
	}
	if cfg.Totem.HealthTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("totem.health_timeout must be > 0, got %s", cfg.Totem.HealthTimeout))
	}
	for _, p := range cfg.Totem.Peers {
		if p.NodeID == cfg.NodeID {
			errs = append(errs, fmt.Sprintf("totem.peers must not list this node's own node_id (%d)", cfg.NodeID))
		}
		if p.Addr == "" {
			errs = append(errs, fmt.Sprintf("totem.peers: node_id %d has an empty addr", p.NodeID))
		}
	}

	if cfg.VoteQuorum.TwoNode && cfg.VoteQuorum.AutoTieBreaker {
		errs = append(errs, "votequorum.two_node and votequorum.auto_tie_breaker are mutually exclusive")
	}
	if cfg.VoteQuorum.AutoTieBreaker && !cfg.VoteQuorum.WaitForAll {
		errs = append(errs, "votequorum.auto_tie_breaker requires votequorum.wait_for_all to be enabled")
	}
	if cfg.VoteQuorum.AutoTieBreaker {
		switch cfg.VoteQuorum.ATBMode {
		case "lowest", "highest":
		case "list":
			if len(cfg.VoteQuorum.ATBNodeList) == 0 {
				errs = append(errs, "votequorum.atb_node_list must be non-empty when atb_mode is \"list\"")
			}
		default:
			errs = append(errs, fmt.Sprintf("votequorum.atb_mode must be one of lowest, highest, list, got %q", cfg.VoteQuorum.ATBMode))
		}
	}
	if cfg.VoteQuorum.ExpectedVotesDefault == 0 {
		errs = append(errs, "votequorum.expected_votes_default must be >= 1")
	}
	if cfg.VoteQuorum.QDeviceEnabled {
		if cfg.VoteQuorum.AllowDownscale {
			errs = append(errs, "votequorum.qdevice_enabled is incompatible with votequorum.allow_downscale")
		}
		if cfg.VoteQuorum.LastManStanding {
			errs = append(errs, "votequorum.qdevice_enabled is incompatible with votequorum.last_man_standing")
		}
		if cfg.VoteQuorum.QDeviceVotes == 0 {
			errs = append(errs, "votequorum.qdevice_votes must be >= 1 when qdevice is enabled")
		}
		if cfg.VoteQuorum.QDeviceTimeout <= 0 {
			errs = append(errs, "votequorum.qdevice_timeout must be > 0 when qdevice is enabled")
		}
		if cfg.VoteQuorum.QDeviceSyncTimeout <= 0 {
			errs = append(errs, "votequorum.qdevice_sync_timeout must be > 0 when qdevice is enabled")
		}
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	} else if !strings.HasPrefix(cfg.Storage.DBPath, "/") {
		errs = append(errs, fmt.Sprintf("storage.db_path must be absolute, got %q", cfg.Storage.DBPath))
	}
	if cfg.Storage.EvBarrierPath == "" {
		errs = append(errs, "storage.ev_barrier_path must not be empty")
	} else if !strings.HasPrefix(cfg.Storage.EvBarrierPath, "/") {
		errs = append(errs, fmt.Sprintf("storage.ev_barrier_path must be absolute, got %q", cfg.Storage.EvBarrierPath))
	}

	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug, info, warn, error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be one of json, console, got %q", cfg.Observability.LogFormat))
	}

	if cfg.Operator.Enabled && cfg.Operator.SocketPath == "" {
		errs = append(errs, "operator.socket_path must not be empty when operator.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
