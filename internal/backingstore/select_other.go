//go:build !linux

package backingstore

import "errors"

// ErrUFFDUnsupported is returned by NewUFFDBacked on non-Linux builds.
var ErrUFFDUnsupported = errors.New("backingstore: userfaultfd is only supported on linux")

// NewUFFDBacked is unavailable outside Linux; callers fall back to
// NewMemStore for simulated runs and tests.
func NewUFFDBacked(base uintptr, length int, hostPageSize uint64) (Store, error) {
	return nil, ErrUFFDUnsupported
}
