//go:build linux

package cmd

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"github.com/rivervm/postcopy/internal/backingstore"
	"github.com/rivervm/postcopy/internal/config"
)

// mmapBlockFile maps path (truncated/extended to length) into this
// process's address space as a MAP_SHARED file mapping, so UFFDStore
// has a real base address to register with userfaultfd.
func mmapBlockFile(path string, length int) (uintptr, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("cmd: open %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(length)); err != nil {
		return 0, fmt.Errorf("cmd: truncate %s: %w", path, err)
	}

	mem, err := syscall.Mmap(int(f.Fd()), 0, length, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("cmd: mmap %s: %w", path, err)
	}

	return uintptr(unsafe.Pointer(&mem[0])), nil
}

// newBlockStore opens the real userfaultfd-backed store when b names a
// backing file, otherwise an in-memory simulated one.
func newBlockStore(b config.Block) (backingstore.Store, error) {
	if b.Path == "" {
		return backingstore.NewMemStore(int(b.Length/b.HostPageSize), b.HostPageSize, 4096), nil
	}

	base, err := mmapBlockFile(b.Path, int(b.Length))
	if err != nil {
		return nil, err
	}

	store, err := backingstore.NewUFFDBacked(base, int(b.Length), b.HostPageSize)
	if err != nil {
		return nil, fmt.Errorf("cmd: uffd store for %s: %w", b.ID, err)
	}

	if err := store.Map(base, int(b.Length)); err != nil {
		return nil, fmt.Errorf("cmd: map %s: %w", b.ID, err)
	}

	return store, nil
}
