package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := defaultConfig()
	if cfg.DataPort != 8080 {
		t.Errorf("DataPort = %d, want 8080", cfg.DataPort)
	}
	if cfg.DiscoveryPort != 8888 {
		t.Errorf("DiscoveryPort = %d, want 8888", cfg.DiscoveryPort)
	}
	if cfg.RendezvousTTL.Duration != 5*time.Second {
		t.Errorf("RendezvousTTL = %v, want 5s", cfg.RendezvousTTL.Duration)
	}
	if cfg.Quiet {
		t.Error("Quiet should default to false")
	}
}

func TestLoadConfigWithEmptyPathReturnsDefaults(t *testing.T) {
	cfg := loadConfig("")
	want := defaultConfig()
	if cfg != want {
		t.Fatalf("loadConfig(\"\") = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadConfigOverridesFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sonicshare.toml")
	contents := `
data_port = 9090
discovery_port = 9898
store_dir = "/tmp/store"
download_dir = "/tmp/downloads"
rendezvous_timeout = "10s"
quiet = true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := loadConfig(path)
	if cfg.DataPort != 9090 {
		t.Errorf("DataPort = %d, want 9090", cfg.DataPort)
	}
	if cfg.DiscoveryPort != 9898 {
		t.Errorf("DiscoveryPort = %d, want 9898", cfg.DiscoveryPort)
	}
	if cfg.StoreDir != "/tmp/store" {
		t.Errorf("StoreDir = %q, want /tmp/store", cfg.StoreDir)
	}
	if cfg.RendezvousTTL.Duration != 10*time.Second {
		t.Errorf("RendezvousTTL = %v, want 10s", cfg.RendezvousTTL.Duration)
	}
	if !cfg.Quiet {
		t.Error("Quiet should be true once set in the config file")
	}
}

func TestLoadConfigMissingFileFallsBackToDefaults(t *testing.T) {
	cfg := loadConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	want := defaultConfig()
	if cfg != want {
		t.Fatalf("loadConfig(missing) = %+v, want defaults %+v", cfg, want)
	}
}

func TestDurationUnmarshalTextRejectsInvalidDuration(t *testing.T) {
	var d duration
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Fatal("expected an error for an unparseable duration string")
	}
}
