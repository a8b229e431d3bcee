//go:build linux

package shm

import (
	"context"
	"os"

	"golang.org/x/sys/unix"
)

// CreateAnonymous creates a memfd of opts.Size zeroed bytes and maps it shared.
func CreateAnonymous(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	fd, err := unix.MemfdCreate(opts.Name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("memfd_create", err)
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("ftruncate", err)
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("mmap", err)
	}
	return &MappedRegion{
		Addr: addr,
		File: os.NewFile(uintptr(fd), opts.Name),
		Size: opts.Size,
	}, nil
}

// MapFile maps size bytes of an inherited memfd. The descriptor is duplicated,
// so the returned region owns its own copy and f stays open.
func MapFile(ctx context.Context, f *os.File, size int) (*MappedRegion, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, os.NewSyscallError("fstat", err)
	}
	if st.Size < int64(size) {
		return nil, os.NewSyscallError("fstat", unix.EINVAL)
	}
	fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("fcntl", err)
	}
	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("mmap", err)
	}
	return &MappedRegion{
		Addr: addr,
		File: os.NewFile(uintptr(fd), f.Name()),
		Size: size,
	}, nil
}

// UnmapRegion unmaps the local view and closes its memfd. Other processes'
// views are unaffected.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return os.NewSyscallError("munmap", err)
	}
	region.Addr = nil
	if region.File != nil {
		if err := region.File.Close(); err != nil {
			return err
		}
		region.File = nil
	}
	return nil
}
