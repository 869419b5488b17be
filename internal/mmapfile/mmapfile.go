// Package mmapfile memory-maps files for the linker. The link maps only the
// output image, created read-write at its final path by CreateWritable;
// inputs are read with os.ReadFile, so OpenReadOnly and RenameInto have no
// callers. No build-id hash is computed over the mapping before it is
// closed.
package mmapfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapped is a memory-mapped file's contents plus what's needed to unmap it.
type Mapped struct {
	Data []byte
	file *os.File
}

// OpenReadOnly maps path read-only.
func OpenReadOnly(path string) (*Mapped, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		// mmap of a zero-length file fails; an empty archive/object is
		// legitimate (e.g. an ar with no members), so hand back a nil slice.
		return &Mapped{Data: nil, file: f}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &Mapped{Data: data, file: f}, nil
}

// CreateWritable truncates path to size and maps it read-write. The caller
// calls Close once finished, optionally after Sync.
func CreateWritable(path string, size int64, perm os.FileMode) (*Mapped, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	if size == 0 {
		return &Mapped{Data: nil, file: f}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &Mapped{Data: data, file: f}, nil
}

// Sync flushes the mapping to disk without unmapping it.
func (m *Mapped) Sync() error {
	if m.Data == nil {
		return nil
	}
	return unix.Msync(m.Data, unix.MS_SYNC)
}

// Close unmaps the data (if mapped) and closes the underlying file.
func (m *Mapped) Close() error {
	var err error
	if m.Data != nil {
		err = unix.Munmap(m.Data)
	}
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// RenameInto renames a finished temp output file to its final target path,
// matching the "rename-to-target on close" behavior spec §1 delegates to
// the (out of scope) output file writer, mirrored here because mmapfile
// owns the temp file's lifetime.
func RenameInto(tmpPath, finalPath string) error {
	return os.Rename(tmpPath, finalPath)
}
