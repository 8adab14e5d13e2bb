// Package precopy implements the bounded precopy pass (SPEC_FULL.md
// §4.10), adapted from vmm/migrate.go's MigrateTo dirty-page loop: send
// the full block once, then iterate bounded dirty-page rounds, stopping
// early once the dirty fraction drops below a threshold or a round
// budget is exhausted. Unlike the teacher, post-copy does not need
// precopy to transfer page bytes — only to tell the destination which
// host pages already match and so need never be faulted in. The pass
// therefore ends by emitting the clean-bitmap preamble (spec §4.1)
// instead of raw memory.
package precopy

import (
	"context"
	"fmt"
	"io"
	"math/bits"

	"github.com/sirupsen/logrus"

	"github.com/rivervm/postcopy/internal/block"
	"github.com/rivervm/postcopy/internal/wire"
)

// Config bounds one precopy pass (mirrors vmm/migrate.go's
// maxPreCopyRounds/preCopyThreshold).
type Config struct {
	MaxRounds int
	Threshold float64
}

// DefaultConfig matches the teacher's constants.
func DefaultConfig() Config {
	return Config{MaxRounds: 3, Threshold: 0.01}
}

// DirtySource reports and clears the host-page dirty bitmap for one
// block, one 64-bit word per 64 host pages (same layout GetAndClearDirtyBitmap
// produces in vmm/migrate.go, generalized from guest RAM to any block).
type DirtySource interface {
	GetAndClearDirty(id block.ID) (words []uint64, err error)
}

// Run executes the bounded precopy pass over blocks and writes the
// resulting clean-bitmap preamble to w: one CleanBitmapRecord per
// block followed by the terminator (spec §4.1). A host page is
// reported clean only if it was never dirtied across the whole pass —
// any dirty round means the destination must still fault it in itself.
func Run(ctx context.Context, blocks []*block.Block, src DirtySource, w io.Writer, cfg Config, log *logrus.Entry) error {
	everDirty := make(map[block.ID][]uint64, len(blocks))

	for _, b := range blocks {
		everDirty[b.ID] = make([]uint64, wordsFor(b.NumHostPages()))
	}

	for round := 0; round < cfg.MaxRounds; round++ {
		select {
		case <-ctx.Done():
			if log != nil {
				log.WithField("round", round).Info("precopy: force-cut by caller")
			}

			round = cfg.MaxRounds

			continue
		default:
		}

		totalPages, totalDirty := 0, 0

		for _, b := range blocks {
			words, err := src.GetAndClearDirty(b.ID)
			if err != nil {
				return fmt.Errorf("precopy: get dirty for %s: %w", b.ID, err)
			}

			orInto(everDirty[b.ID], words)

			totalPages += int(b.NumHostPages())
			totalDirty += popcountWords(words)
		}

		if log != nil {
			log.WithFields(logrus.Fields{"round": round + 1, "dirty": totalDirty}).Debug("precopy: round complete")
		}

		if totalPages == 0 || totalDirty == 0 || float64(totalDirty)/float64(totalPages) < cfg.Threshold {
			break
		}
	}

	return writePreamble(blocks, everDirty, w)
}

func writePreamble(blocks []*block.Block, everDirty map[block.ID][]uint64, w io.Writer) error {
	for _, b := range blocks {
		clean := complement(everDirty[b.ID], b.NumHostPages())

		rec, err := wire.EncodeCleanBitmapRecord(wire.CleanBitmapRecord{
			ID:     string(b.ID),
			Offset: b.Base,
			Length: b.Length,
			Words:  clean,
		})
		if err != nil {
			return fmt.Errorf("precopy: encode clean bitmap for %s: %w", b.ID, err)
		}

		if _, err := w.Write(rec); err != nil {
			return fmt.Errorf("precopy: write clean bitmap for %s: %w", b.ID, err)
		}
	}

	if _, err := w.Write(wire.EncodeCleanBitmapTerminator()); err != nil {
		return fmt.Errorf("precopy: write terminator: %w", err)
	}

	return nil
}

func wordsFor(numPages uint64) int {
	return int((numPages + 63) / 64)
}

func orInto(dst, src []uint64) {
	for i := 0; i < len(dst) && i < len(src); i++ {
		dst[i] |= src[i]
	}
}

func popcountWords(words []uint64) int {
	n := 0
	for _, w := range words {
		n += bits.OnesCount64(w)
	}

	return n
}

// complement flips every bit that addresses a real host page, leaving
// any trailing pad bits in the final word at zero so they never read as
// spuriously clean.
func complement(dirty []uint64, numPages uint64) []uint64 {
	out := make([]uint64, len(dirty))

	for i, w := range dirty {
		out[i] = ^w

		bitBase := uint64(i) * 64
		if bitBase+64 > numPages {
			validBits := uint64(0)
			if numPages > bitBase {
				validBits = numPages - bitBase
			}

			out[i] &= (uint64(1) << validBits) - 1
		}
	}

	return out
}
