package core

import (
	"os"
	"testing"
)

func TestNodeConfigFromEnvDefaults(t *testing.T) {
	cfg, err := NodeConfigFromEnv(1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WorkDir != defaultWorkDir {
		t.Fatalf("expected default workdir, got %q", cfg.WorkDir)
	}
	if cfg.Store.MaxFileCount != defaultMaxFileCount {
		t.Fatalf("expected default max file count, got %d", cfg.Store.MaxFileCount)
	}
	if cfg.Ouro.GenesisTime != 1000 {
		t.Fatalf("expected genesisTime to be threaded through, got %d", cfg.Ouro.GenesisTime)
	}
}

func TestNodeConfigFromEnvOverrides(t *testing.T) {
	os.Setenv("SYNN_WORKDIR", "/tmp/custom-workdir")
	os.Setenv("SYNN_SLOT_DURATION", "7")
	defer os.Unsetenv("SYNN_WORKDIR")
	defer os.Unsetenv("SYNN_SLOT_DURATION")

	cfg, err := NodeConfigFromEnv(42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WorkDir != "/tmp/custom-workdir" {
		t.Fatalf("expected overridden workdir, got %q", cfg.WorkDir)
	}
	if cfg.Store.DirPath != "/tmp/custom-workdir/ledger" {
		t.Fatalf("expected ledger dir under workdir, got %q", cfg.Store.DirPath)
	}
	if cfg.Ouro.SlotDuration != 7 {
		t.Fatalf("expected overridden slot duration, got %d", cfg.Ouro.SlotDuration)
	}
}
