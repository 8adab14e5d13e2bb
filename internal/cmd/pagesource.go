package cmd

import (
	"fmt"
	"os"

	"github.com/rivervm/postcopy/internal/block"
)

// filePageSource reads target-page bytes for one block straight out of
// its backing file, the CLI's stand-in for the external byte-level RAM
// codec spec.md marks out of scope.
type filePageSource struct {
	files map[block.ID]*os.File
	sizes map[block.ID]uint64
}

func newFilePageSource() *filePageSource {
	return &filePageSource{
		files: make(map[block.ID]*os.File),
		sizes: make(map[block.ID]uint64),
	}
}

func (s *filePageSource) open(id block.ID, path string, pageSize uint64) error {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("pagesource: open %s: %w", path, err)
	}

	s.files[id] = f
	s.sizes[id] = pageSize

	return nil
}

func (s *filePageSource) ReadPage(id block.ID, pgoff uint64) ([]byte, error) {
	f, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("pagesource: no backing file registered for block %q", id)
	}

	pageSize := s.sizes[id]
	buf := make([]byte, pageSize)

	n, err := f.ReadAt(buf, int64(pgoff*pageSize))
	if n == len(buf) {
		return buf, nil
	}

	if err != nil {
		return nil, fmt.Errorf("pagesource: read %s@%d: %w", id, pgoff, err)
	}

	return buf, nil
}

func (s *filePageSource) Close() error {
	var firstErr error

	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
