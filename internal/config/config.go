// Package config implements C10: TOML-file and flag-driven configuration
// of the tunables named throughout spec.md §4 and §6 (prefault windows,
// rate limit, MAX_REQUESTS, ports, capability flags), following the
// teacher's `config.Load`/`toml.Unmarshal` file-backed pattern but
// generalized from a single fixed path to an explicit one passed by the
// CLI.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/rivervm/postcopy/internal/reqbuilder"
)

// Block describes one RAM region's discovery-time parameters (spec's
// "Blocks form an ordered set discovered at migration start").
type Block struct {
	ID             string `toml:"id"`
	Base           uint64 `toml:"base"`
	Length         uint64 `toml:"length"`
	TargetPageSize uint64 `toml:"target_page_size"`
	HostPageSize   uint64 `toml:"host_page_size"`

	// Path names the backing file the CLI reads page bytes from (source
	// side) or maps the destination's UFFD store over (dest side). Left
	// empty, the dest side falls back to an in-memory simulated store.
	Path string `toml:"path,omitempty"`
}

// Background holds the background-push tunables recovered from
// original_source's qmp_migrate_postcopy_set_bg.
type Background struct {
	Enabled        bool    `toml:"enabled"`
	BytesPerSecond float64 `toml:"bytes_per_second"`
	BurstBytes     float64 `toml:"burst_bytes"`
}

// Config is the full tunable set for one migration run.
type Config struct {
	ListenAddr    string `toml:"listen_addr,omitempty"`
	PeerAddr      string `toml:"peer_addr,omitempty"`
	ControlSocket string `toml:"control_socket,omitempty"`

	PrefaultForward  uint64 `toml:"prefault_forward"`
	PrefaultBackward uint64 `toml:"prefault_backward"`

	MaxRequests int `toml:"max_requests"`

	Precopy          bool    `toml:"precopy"`
	PrecopyRounds    int     `toml:"precopy_rounds"`
	PrecopyThreshold float64 `toml:"precopy_threshold"`

	Background Background `toml:"background"`

	Blocks []Block `toml:"blocks"`
}

// Default returns the baseline tunables, matching spec defaults and the
// teacher's own precopy constants (vmm/migrate.go's maxPreCopyRounds=3,
// preCopyThreshold=0.01).
func Default() Config {
	return Config{
		PrefaultForward:  8,
		PrefaultBackward: 2,
		MaxRequests:      reqbuilder.MaxRequests,
		PrecopyRounds:    3,
		PrecopyThreshold: 0.01,
		Background: Background{
			BytesPerSecond: 64 << 20,
			BurstBytes:     16 << 20,
		},
	}
}

// Load reads cfg from path, overlaying it onto Default() so an omitted
// field keeps its default rather than zeroing out.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes cfg to path as TOML.
func Save(path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}

	return nil
}
