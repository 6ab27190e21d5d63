package quicdriver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/weftworks/weft"
)

// Shared memory is a file in ShmDir mapped MAP_SHARED by every process
// holding a handle. Handles serialize as {size, path}; same-host is a
// hard requirement of sharing memory anyway.

type sharedMemory struct {
	drv  *Driver
	path string
	size int
}

var _ weft.SharedMemory = (*sharedMemory)(nil)

func (d *Driver) AllocateSharedMemory(size int) (weft.SharedMemory, error) {
	if size <= 0 {
		return nil, errors.New("quicdriver: invalid shared memory size")
	}
	dir := d.cfg.ShmDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "weft-shm-*")
	if err != nil {
		return nil, fmt.Errorf("quicdriver: cannot create shared segment: %w", err)
	}
	path := f.Name()
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	f.Close()
	d.msink.IncrCounter(MetricShmAllocBytes, float32(size))
	return &sharedMemory{drv: d, path: path, size: size}, nil
}

func (m *sharedMemory) Size() int {
	return m.size
}

func (m *sharedMemory) Duplicate() (weft.SharedMemory, error) {
	return &sharedMemory{drv: m.drv, path: m.path, size: m.size}, nil
}

func (m *sharedMemory) Map() (weft.Mapping, error) {
	f, err := os.OpenFile(m.path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := unix.Mmap(int(f.Fd()), 0, m.size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("quicdriver: mmap failed: %w", err)
	}
	return &shmMapping{data: data}, nil
}

// Close drops this handle. The segment file itself stays until
// ReleaseSegment removes it: duplicates may still be in flight to other
// processes, and no cross-process refcount exists to know.
func (m *sharedMemory) Close() error {
	return nil
}

// ReleaseSegment unlinks the backing file of a segment once the mesh
// operator knows every process is done with it.
func ReleaseSegment(h weft.SharedMemory) error {
	m, ok := h.(*sharedMemory)
	if !ok {
		return ErrProtocolViolation
	}
	return os.Remove(filepath.Clean(m.path))
}

type shmMapping struct {
	data []byte
}

func (mp *shmMapping) Bytes() []byte {
	return mp.data
}

func (mp *shmMapping) Unmap() error {
	if mp.data == nil {
		return nil
	}
	data := mp.data
	mp.data = nil
	return unix.Munmap(data)
}
