package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults_IsValid(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Defaults() produced an invalid config: %v", err)
	}
}

func TestValidate_TwoNodeAndAutoTieBreakerConflict(t *testing.T) {
	cfg := Defaults()
	cfg.VoteQuorum.TwoNode = true
	cfg.VoteQuorum.AutoTieBreaker = true
	cfg.VoteQuorum.ATBMode = "lowest"

	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() = nil, want error for two_node + auto_tie_breaker")
	}
}

func TestValidate_ATBModeListRequiresNodeList(t *testing.T) {
	cfg := Defaults()
	cfg.VoteQuorum.AutoTieBreaker = true
	cfg.VoteQuorum.ATBMode = "list"

	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() = nil, want error for atb_mode=list with empty atb_node_list")
	}

	cfg.VoteQuorum.ATBNodeList = []uint32{1, 2}
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate() with non-empty atb_node_list = %v, want nil", err)
	}
}

func TestValidate_QDeviceIncompatibleWithAllowDownscale(t *testing.T) {
	cfg := Defaults()
	cfg.VoteQuorum.QDeviceEnabled = true
	cfg.VoteQuorum.AllowDownscale = true

	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() = nil, want error for qdevice_enabled + allow_downscale")
	}
}

func TestValidate_RejectsRelativeStoragePaths(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.DBPath = "relative/path.db"

	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() = nil, want error for relative storage.db_path")
	}
}

func TestValidate_RejectsUnknownLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.Observability.LogLevel = "verbose"

	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() = nil, want error for unknown log_level")
	}
}

func TestValidate_PeerCannotBeSelf(t *testing.T) {
	cfg := Defaults()
	cfg.NodeID = 1
	cfg.Totem.Peers = []TotemPeerConfig{{NodeID: 1, Addr: "127.0.0.1:9443"}}

	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() = nil, want error when a peer lists this node's own node_id")
	}
}

func TestLoad_ReadsAndMergesOverFileDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
schema_version: "1"
node_id: 2
totem:
  listen_addr: "0.0.0.0:9999"
  peers:
    - node_id: 1
      addr: "10.0.0.1:9443"
votequorum:
  two_node: true
  expected_votes_default: 1
storage:
  db_path: /var/lib/qcored/qcored.db
  ev_barrier_path: /var/lib/qcored/ev_barrier
observability:
  log_level: debug
  log_format: console
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NodeID != 2 {
		t.Errorf("NodeID = %d, want 2", cfg.NodeID)
	}
	if cfg.Totem.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("Totem.ListenAddr = %q, want 0.0.0.0:9999", cfg.Totem.ListenAddr)
	}
	if len(cfg.Totem.Peers) != 1 || cfg.Totem.Peers[0].NodeID != 1 {
		t.Errorf("Totem.Peers = %+v, want one peer with node_id 1", cfg.Totem.Peers)
	}
	// health_interval/health_timeout were not in the file and must keep
	// their Defaults() values rather than zeroing out.
	if cfg.Totem.HealthInterval == 0 {
		t.Error("Totem.HealthInterval was zeroed instead of retaining its default")
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("Observability.LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "schema_version: \"2\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load() = nil error, want schema_version validation failure")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() = nil error, want file-not-found error")
	}
}
