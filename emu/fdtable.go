// Package emu provides functional RV64 emulation.
package emu

import (
	"io"
	"os"
	"sync"
	"time"
)

// FileDescriptor represents an open file descriptor.
type FileDescriptor struct {
	HostFile *os.File // Host file handle (nil for closed or special FDs)
	Path     string   // Original path (empty for stdin/stdout/stderr)
	Flags    int      // Host open flags
	IsOpen   bool     // Whether the FD is currently open
}

// FDTable manages file descriptors for syscall emulation.
type FDTable struct {
	fds map[uint64]*FileDescriptor
	mu  sync.Mutex
}

// fdState is the serializable form of one descriptor.
type fdState struct {
	FD     uint64
	Path   string
	Flags  int
	Offset int64
	IsOpen bool
}

// NewFDTable creates a new file descriptor table with standard streams initialized.
func NewFDTable() *FDTable {
	t := &FDTable{
		fds: make(map[uint64]*FileDescriptor),
	}

	// Standard streams have no host file but are marked as open.
	t.fds[0] = &FileDescriptor{Path: "stdin", IsOpen: true}
	t.fds[1] = &FileDescriptor{Path: "stdout", IsOpen: true}
	t.fds[2] = &FileDescriptor{Path: "stderr", IsOpen: true}

	return t
}

// lowestFree returns the smallest descriptor number not currently open.
func (t *FDTable) lowestFree() uint64 {
	fd := uint64(3)
	for {
		entry, exists := t.fds[fd]
		if !exists || !entry.IsOpen {
			return fd
		}
		fd++
	}
}

// Open opens a file and returns a new file descriptor.
func (t *FDTable) Open(path string, flags int, mode os.FileMode) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hostFile, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return 0, err
	}

	fd := t.lowestFree()
	t.fds[fd] = &FileDescriptor{
		HostFile: hostFile,
		Path:     path,
		Flags:    flags,
		IsOpen:   true,
	}

	return fd, nil
}

// Close closes a file descriptor.
func (t *FDTable) Close(fd uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.fds[fd]
	if !exists || !entry.IsOpen {
		return os.ErrInvalid
	}

	// Standard streams are only marked closed.
	if fd <= 2 {
		entry.IsOpen = false
		return nil
	}

	if entry.HostFile != nil {
		if err := entry.HostFile.Close(); err != nil {
			return err
		}
	}

	entry.HostFile = nil
	entry.IsOpen = false

	return nil
}

// Get returns the file descriptor entry if it exists and is open.
func (t *FDTable) Get(fd uint64) (*FileDescriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.fds[fd]
	if !exists || !entry.IsOpen {
		return nil, false
	}

	return entry, true
}

// IsOpen checks if a file descriptor is open.
func (t *FDTable) IsOpen(fd uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.fds[fd]
	return exists && entry.IsOpen
}

func (t *FDTable) hostFile(fd uint64) (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.fds[fd]
	if !exists || !entry.IsOpen || entry.HostFile == nil {
		return nil, os.ErrInvalid
	}
	return entry.HostFile, nil
}

// Read reads from a file descriptor into a buffer. Standard streams are
// handled by the syscall handler.
func (t *FDTable) Read(fd uint64, buf []byte) (int, error) {
	f, err := t.hostFile(fd)
	if err != nil {
		return 0, err
	}
	n, err := f.Read(buf)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// ReadAt reads from a file descriptor at an absolute offset without moving
// its position.
func (t *FDTable) ReadAt(fd uint64, buf []byte, off int64) (int, error) {
	f, err := t.hostFile(fd)
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(buf, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Write writes a buffer to a file descriptor.
func (t *FDTable) Write(fd uint64, buf []byte) (int, error) {
	f, err := t.hostFile(fd)
	if err != nil {
		return 0, err
	}
	return f.Write(buf)
}

// Stat returns file information for a file descriptor.
func (t *FDTable) Stat(fd uint64) (os.FileInfo, error) {
	t.mu.Lock()
	entry, exists := t.fds[fd]
	if !exists || !entry.IsOpen {
		t.mu.Unlock()
		return nil, os.ErrInvalid
	}

	hostFile := entry.HostFile
	t.mu.Unlock()

	// stdin/stdout/stderr return a stub FileInfo
	if fd <= 2 {
		return &stdioFileInfo{name: entry.Path}, nil
	}

	if hostFile == nil {
		return nil, os.ErrInvalid
	}

	return hostFile.Stat()
}

// Seek sets the file position for the given file descriptor.
func (t *FDTable) Seek(fd uint64, offset int64, whence int) (int64, error) {
	if fd <= 2 {
		return 0, os.ErrInvalid
	}
	f, err := t.hostFile(fd)
	if err != nil {
		return 0, err
	}
	return f.Seek(offset, whence)
}

// snapshot captures every descriptor with its current offset.
func (t *FDTable) snapshot() ([]fdState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	states := make([]fdState, 0, len(t.fds))
	for fd, entry := range t.fds {
		s := fdState{FD: fd, Path: entry.Path, Flags: entry.Flags, IsOpen: entry.IsOpen}
		if entry.HostFile != nil {
			off, err := entry.HostFile.Seek(0, io.SeekCurrent)
			if err != nil {
				return nil, err
			}
			s.Offset = off
		}
		states = append(states, s)
	}
	return states, nil
}

// restore brings the table back to a snapshot: descriptors opened since
// are closed, closed ones are reopened without create or truncate flags,
// and every host file is repositioned.
func (t *FDTable) restore(states []fdState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	want := make(map[uint64]fdState, len(states))
	for _, s := range states {
		want[s.FD] = s
	}

	for fd, entry := range t.fds {
		s, ok := want[fd]
		if ok && s.IsOpen && entry.IsOpen && s.Path == entry.Path {
			continue
		}
		if entry.HostFile != nil {
			_ = entry.HostFile.Close()
		}
		delete(t.fds, fd)
	}

	for fd, s := range want {
		entry, exists := t.fds[fd]
		if !exists {
			entry = &FileDescriptor{Path: s.Path, Flags: s.Flags, IsOpen: s.IsOpen}
			if s.IsOpen && fd > 2 {
				f, err := os.OpenFile(s.Path, s.Flags&^(os.O_CREATE|os.O_TRUNC|os.O_EXCL), 0)
				if err != nil {
					return err
				}
				entry.HostFile = f
			}
			t.fds[fd] = entry
		}
		if entry.HostFile != nil {
			if _, err := entry.HostFile.Seek(s.Offset, io.SeekStart); err != nil {
				return err
			}
		}
	}
	return nil
}

// stdioFileInfo is a stub FileInfo for stdin/stdout/stderr.
type stdioFileInfo struct {
	name string
}

func (f *stdioFileInfo) Name() string       { return f.name }
func (f *stdioFileInfo) Size() int64        { return 0 }
func (f *stdioFileInfo) Mode() os.FileMode  { return os.ModeCharDevice | os.ModeDevice | 0620 }
func (f *stdioFileInfo) ModTime() time.Time { return time.Time{} }
func (f *stdioFileInfo) IsDir() bool        { return false }
func (f *stdioFileInfo) Sys() interface{}   { return nil }
