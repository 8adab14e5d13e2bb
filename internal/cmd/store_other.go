//go:build !linux

package cmd

import (
	"github.com/rivervm/postcopy/internal/backingstore"
	"github.com/rivervm/postcopy/internal/config"
)

// newBlockStore always returns an in-memory simulated store outside
// Linux; userfaultfd has no portable equivalent.
func newBlockStore(b config.Block) (backingstore.Store, error) {
	return backingstore.NewMemStore(int(b.Length/b.HostPageSize), b.HostPageSize, 4096), nil
}
