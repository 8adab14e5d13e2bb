package config_test

import (
	"path/filepath"
	"testing"

	"github.com/rivervm/postcopy/internal/config"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := config.Default()
	if cfg.PrefaultForward != want.PrefaultForward || cfg.MaxRequests != want.MaxRequests {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := config.Default()
	cfg.ListenAddr = "0.0.0.0:7000"
	cfg.Blocks = []config.Block{{ID: "ram0", Length: 4096, TargetPageSize: 4096, HostPageSize: 4096}}

	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.ListenAddr != cfg.ListenAddr {
		t.Fatalf("expected ListenAddr %q, got %q", cfg.ListenAddr, got.ListenAddr)
	}

	if len(got.Blocks) != 1 || got.Blocks[0].ID != "ram0" {
		t.Fatalf("expected one block ram0, got %+v", got.Blocks)
	}
}

func TestBuildBlocksRejectsInvalidBlock(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Blocks = []config.Block{{ID: "", Length: 4096, TargetPageSize: 4096, HostPageSize: 4096}}

	if _, err := cfg.BuildBlocks(); err == nil {
		t.Fatalf("expected an error for an empty block id")
	}
}
