package config

import (
	"fmt"

	"github.com/rivervm/postcopy/internal/block"
	"github.com/rivervm/postcopy/internal/outgoing"
	"github.com/rivervm/postcopy/internal/precopy"
)

// BuildBlocks validates and converts the configured block list into
// block.Block values (the data model's "ordered set discovered at
// migration start").
func (c Config) BuildBlocks() ([]*block.Block, error) {
	out := make([]*block.Block, 0, len(c.Blocks))

	for _, b := range c.Blocks {
		blk, err := block.New(b.ID, b.Base, b.Length, b.TargetPageSize, b.HostPageSize)
		if err != nil {
			return nil, fmt.Errorf("config: block %q: %w", b.ID, err)
		}

		out = append(out, blk)
	}

	return out, nil
}

// OutgoingConfig builds the C8 scheduler config from the tunables.
func (c Config) OutgoingConfig() outgoing.Config {
	var rl *outgoing.RateLimiter
	if c.Background.Enabled {
		rl = outgoing.NewRateLimiter(c.Background.BytesPerSecond, c.Background.BurstBytes)
	}

	return outgoing.Config{
		PrefaultForward:   c.PrefaultForward,
		PrefaultBackward:  c.PrefaultBackward,
		BackgroundEnabled: c.Background.Enabled,
		RateLimiter:       rl,
	}
}

// PrecopyConfig builds the precopy pass config from the tunables.
func (c Config) PrecopyConfig() precopy.Config {
	return precopy.Config{MaxRounds: c.PrecopyRounds, Threshold: c.PrecopyThreshold}
}
