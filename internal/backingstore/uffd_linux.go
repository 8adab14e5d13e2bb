//go:build linux

package backingstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Userfaultfd ioctl numbers, mirroring <linux/userfaultfd.h>. The kernel
// ABI for these has been stable since their introduction; hand-encoding
// them avoids a cgo dependency for what is otherwise a handful of
// ioctl(2) calls (grounded on the e2b-dev-infra uffd package's uffdio
// interface shape: register/copy/writeProtect/close/fd).
const (
	uffdioAPI          = 0xC018AA3F
	uffdioRegister     = 0xC020AA00
	uffdioUnregister   = 0x8010AA01
	uffdioWake         = 0x8010AA02
	uffdioCopy         = 0xC028AA03
	uffdioWriteProtect = 0xC018AA06

	uffdAPIVersion = 0xAA

	registerModeMissing = 1 << 0
	registerModeWP       = 1 << 1

	eventPagefault = 0x12

	pagefaultFlagWrite = 1 << 0
	pagefaultFlagWP    = 1 << 1
)

type uffdioAPIStruct struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

type uffdioRange struct {
	Start uint64
	Len   uint64
}

type uffdioRegisterStruct struct {
	Range  uffdioRange
	Mode   uint64
	Ioctls uint64
}

type uffdioCopyStruct struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

type uffdioWriteProtectStruct struct {
	Range uffdioRange
	Mode  uint64
}

// uffdMsg mirrors struct uffd_msg: an 8-byte header followed by a 32-byte
// union. Only the pagefault arm (flags u64, address u64) is used here.
type uffdMsg struct {
	Event    uint8
	_        [7]byte
	Arg      [32]byte
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

// UFFDStore is a real, Linux userfaultfd-backed implementation of Store
// for one RAM block's host-page region.
type UFFDStore struct {
	fd           int
	base         uintptr
	hostPageSize uint64
	numPages     uint64

	mu     sync.Mutex
	cached []bool

	pendingMu sync.Mutex
	pending   []uint64

	closeOnce sync.Once
}

// NewUFFDStore opens a userfaultfd, registers [base, base+length), and
// returns a Store ready to serve that region.
func NewUFFDStore(base uintptr, length int, hostPageSize uint64) (*UFFDStore, error) {
	fd, err := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if int(fd) < 0 {
		return nil, fmt.Errorf("userfaultfd: %w", syscallErrno(err))
	}

	u := &UFFDStore{
		fd:           int(fd),
		base:         base,
		hostPageSize: hostPageSize,
		numPages:     uint64(length) / hostPageSize,
		cached:       make([]bool, uint64(length)/hostPageSize),
	}

	api := uffdioAPIStruct{API: uffdAPIVersion}
	if err := ioctl(u.fd, uffdioAPI, unsafe.Pointer(&api)); err != nil {
		unix.Close(u.fd)

		return nil, fmt.Errorf("UFFDIO_API: %w", err)
	}

	if err := u.Map(base, length); err != nil {
		unix.Close(u.fd)

		return nil, err
	}

	return u, nil
}

func syscallErrno(r1 uintptr) error {
	return unix.Errno(-int(r1))
}

func (u *UFFDStore) Map(hostAddr uintptr, length int) error {
	reg := uffdioRegisterStruct{
		Range: uffdioRange{Start: uint64(hostAddr), Len: uint64(length)},
		Mode:  registerModeMissing | registerModeWP,
	}

	return ioctl(u.fd, uffdioRegister, unsafe.Pointer(&reg))
}

func (u *UFFDStore) Unmark(hostAddr uintptr, length int) error {
	u.mu.Lock()

	first := (uint64(hostAddr) - uint64(u.base)) / u.hostPageSize
	n := uint64(length) / u.hostPageSize

	for i := first; i < first+n && i < u.numPages; i++ {
		u.cached[i] = false
	}

	u.mu.Unlock()

	rng := uffdioRange{Start: uint64(hostAddr), Len: uint64(length)}

	return ioctl(u.fd, uffdioUnregister, unsafe.Pointer(&rng))
}

// Fd exposes the raw userfaultfd, for the fault-intake poll loop (spec
// §4.3).
func (u *UFFDStore) Fd() int { return u.fd }

// ReadFaults performs one blocking read of the userfaultfd and returns
// the faulted host-page offset, or false at EOF/closed.
func (u *UFFDStore) ReadFaults() (hostPgoff uint64, write bool, ok bool, err error) {
	var msg uffdMsg

	buf := (*(*[unsafe.Sizeof(uffdMsg{})]byte)(unsafe.Pointer(&msg)))[:]

	n, rerr := unix.Read(u.fd, buf)
	if rerr != nil {
		if errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EINTR) {
			return 0, false, false, nil
		}

		return 0, false, false, rerr
	}

	if n == 0 {
		return 0, false, false, nil
	}

	if msg.Event != eventPagefault {
		return 0, false, false, fmt.Errorf("uffd: unexpected event %d", msg.Event)
	}

	flags := binary.LittleEndian.Uint64(msg.Arg[0:8])
	addr := binary.LittleEndian.Uint64(msg.Arg[8:16])

	hostPgoff = (addr - uint64(u.base)) / u.hostPageSize
	write = flags&pagefaultFlagWrite != 0

	return hostPgoff, write, true, nil
}

// ReadFault blocks (short-polling the non-blocking fd) until a page
// fault arrives or ctx is done, satisfying faultintake.Source.
func (u *UFFDStore) ReadFault(ctx context.Context) (uint64, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		default:
		}

		pollfd := []unix.PollFd{{Fd: int32(u.fd), Events: unix.POLLIN}}

		n, err := unix.Poll(pollfd, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return 0, false, err
		}

		if n == 0 {
			continue
		}

		hostPgoff, _, ok, err := u.ReadFaults()
		if err != nil {
			return 0, false, err
		}

		if !ok {
			continue
		}

		return hostPgoff, true, nil
	}
}

func (u *UFFDStore) PendingFaults() ([]uint64, error) {
	u.pendingMu.Lock()
	defer u.pendingMu.Unlock()

	out := u.pending
	u.pending = nil

	return out, nil
}

// NotePending is called by the fault-intake loop once it has forced a
// materializing read (spec §4.3), queuing the offset for the request
// builder's next PendingFaults() drain.
func (u *UFFDStore) NotePending(hostPgoff uint64) {
	u.pendingMu.Lock()
	u.pending = append(u.pending, hostPgoff)
	u.pendingMu.Unlock()
}

func (u *UFFDStore) WritePage(hostPgoff uint64, data []byte) error {
	dst := u.base + uintptr(hostPgoff*u.hostPageSize)

	cp := uffdioCopyStruct{
		Dst:  uint64(dst),
		Src:  uint64(uintptr(unsafe.Pointer(&data[0]))),
		Len:  u.hostPageSize,
		Mode: 0,
	}

	return ioctl(u.fd, uffdioCopy, unsafe.Pointer(&cp))
}

func (u *UFFDStore) MarkCached(hostPgoffs []uint64) error {
	u.mu.Lock()

	for _, p := range hostPgoffs {
		u.cached[p] = true
	}

	u.mu.Unlock()

	for _, p := range hostPgoffs {
		rng := uffdioRange{Start: uint64(u.base) + p*u.hostPageSize, Len: u.hostPageSize}
		if err := ioctl(u.fd, uffdioWake, unsafe.Pointer(&rng)); err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return ErrWouldBlock
			}

			return err
		}
	}

	return nil
}

func (u *UFFDStore) MarkCachedBlocking(ctx context.Context, hostPgoffs []uint64) error {
	for {
		err := u.MarkCached(hostPgoffs)
		if err == nil {
			return nil
		}

		if !errors.Is(err, ErrWouldBlock) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (u *UFFDStore) Finished() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, c := range u.cached {
		if !c {
			return false
		}
	}

	return true
}

func (u *UFFDStore) HostPageSize() uint64 { return u.hostPageSize }

func (u *UFFDStore) Close() error {
	var err error

	u.closeOnce.Do(func() { err = unix.Close(u.fd) })

	return err
}
