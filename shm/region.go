// Package shm moves shared-memory descriptors between the patchbay daemon
// and module processes. A descriptor ("token") references a memfd-backed
// region holding the module table and audio buffers; it travels over a unix
// domain socket as SCM_RIGHTS ancillary data.
package shm

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// CreateRegion allocates an anonymous shared-memory region of the given size
// and returns its file descriptor. The descriptor survives as long as at
// least one process holds it open.
func CreateRegion(name string, size int) (int, error) {
	if size <= 0 {
		return -1, fmt.Errorf("region size must be positive, got %d", size)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("memfd_create %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("size region %q to %d: %w", name, size, err)
	}
	return fd, nil
}

// RegionSize reports the size of the region behind fd.
func RegionSize(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("stat region: %w", err)
	}
	return st.Size, nil
}

// Dup duplicates a region descriptor so it can be handed to another holder
// without sharing close semantics.
func Dup(fd int) (int, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return -1, fmt.Errorf("dup descriptor: %w", err)
	}
	unix.CloseOnExec(dup)
	return dup, nil
}

// CloseDescriptor releases a region descriptor.
func CloseDescriptor(fd int) error {
	if fd < 0 {
		return fmt.Errorf("invalid descriptor %d", fd)
	}
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close descriptor %d: %w", fd, err)
	}
	return nil
}

// Map maps the region behind fd into this process. The returned slice must be
// released with Unmap.
func Map(fd int, size int) ([]byte, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map region: %w", err)
	}
	return data, nil
}

// Unmap releases a mapping obtained from Map.
func Unmap(data []byte) error {
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("unmap region: %w", err)
	}
	return nil
}

// SendDescriptor pushes fd through an established unix socket connection as
// ancillary data. The single payload byte keeps the message visible to
// receivers that poll the data stream.
func SendDescriptor(conn *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)
	if _, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil); err != nil {
		return fmt.Errorf("send descriptor: %w", err)
	}
	return nil
}

// SendErrorCode reports a negative token to the receiving side instead of a
// descriptor, for transfers the sender has to refuse.
func SendErrorCode(conn *net.UnixConn, code int32) error {
	if code >= 0 {
		return fmt.Errorf("error code must be negative, got %d", code)
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(code))
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("send error code: %w", err)
	}
	return nil
}
