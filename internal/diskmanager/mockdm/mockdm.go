// Package mockdm provides an in-memory implementation of the disk manager for testing.
// Write and sync failures can be switched on to exercise error paths.
package mockdm

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MikhailWahib/caskdb/internal/diskmanager"
)

// ErrInjected is returned by every operation whose failure was switched on.
var ErrInjected = errors.New("mockdm: injected failure")

// MockFile implements diskmanager.FileHandle for testing purposes
type MockFile struct {
	mu   sync.RWMutex
	data []byte
	name string
	dm   *MockDiskManager
}

// WriteAt writes len(b) bytes to the file starting at byte offset off.
// A short write is simulated when the manager's short-write mode is on.
func (m *MockFile) WriteAt(b []byte, off int64) (int, error) {
	if m.dm.failWrites.Load() {
		return 0, ErrInjected
	}
	if m.dm.shortWrites.Load() && len(b) > 1 {
		return m.writeAt(b[:len(b)/2], off), io.ErrShortWrite
	}
	return m.writeAt(b, off), nil
}

func (m *MockFile) writeAt(b []byte, off int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Extend the slice if needed
	requiredLen := int(off) + len(b)
	if requiredLen > len(m.data) {
		newData := make([]byte, requiredLen)
		copy(newData, m.data)
		m.data = newData
	}
	return copy(m.data[off:], b)
}

// ReadAt reads len(b) bytes from the file starting at byte offset off
func (m *MockFile) ReadAt(b []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(b, m.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// Close closes the mock file
func (m *MockFile) Close() error {
	return nil
}

// Sync simulates syncing file contents to disk
func (m *MockFile) Sync() error {
	if m.dm.failSyncs.Load() {
		return ErrInjected
	}
	return nil
}

// Stat returns file information
func (m *MockFile) Stat() (os.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &testFileInfo{size: int64(len(m.data)), name: filepath.Base(m.name)}, nil
}

// Bytes returns a copy of the file contents.
func (m *MockFile) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data...)
}

type testFileInfo struct {
	size int64
	name string
}

func (m *testFileInfo) Name() string       { return m.name }
func (m *testFileInfo) Size() int64        { return m.size }
func (m *testFileInfo) Mode() os.FileMode  { return 0644 }
func (m *testFileInfo) ModTime() time.Time { return time.Now() }
func (m *testFileInfo) IsDir() bool        { return false }
func (m *testFileInfo) Sys() any           { return nil }

// MockDiskManager implements diskmanager.DiskManager interface for testing
type MockDiskManager struct {
	mu    sync.Mutex
	files map[string]*MockFile

	failOpens   atomic.Bool
	failWrites  atomic.Bool
	shortWrites atomic.Bool
	failSyncs   atomic.Bool
}

var _ diskmanager.DiskManager = (*MockDiskManager)(nil)

// NewMockDiskManager creates a new MockDiskManager instance
func NewMockDiskManager() *MockDiskManager {
	return &MockDiskManager{
		files: make(map[string]*MockFile),
	}
}

// FailOpens makes every subsequent Open fail until switched off.
func (dm *MockDiskManager) FailOpens(on bool) { dm.failOpens.Store(on) }

// FailWrites makes every subsequent WriteAt fail without writing anything.
func (dm *MockDiskManager) FailWrites(on bool) { dm.failWrites.Store(on) }

// ShortWrites makes every subsequent WriteAt write only half of its buffer.
func (dm *MockDiskManager) ShortWrites(on bool) { dm.shortWrites.Store(on) }

// FailSyncs makes every subsequent Sync fail.
func (dm *MockDiskManager) FailSyncs(on bool) { dm.failSyncs.Store(on) }

// Open creates or opens a mock file
func (dm *MockDiskManager) Open(path string, _ int, _ os.FileMode) (diskmanager.FileHandle, error) {
	if dm.failOpens.Load() {
		return nil, ErrInjected
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	if file, exists := dm.files[path]; exists {
		return file, nil
	}

	file := &MockFile{
		data: []byte{},
		name: path,
		dm:   dm,
	}
	dm.files[path] = file
	return file, nil
}

// File returns the mock file at path, if any.
func (dm *MockDiskManager) File(path string) (*MockFile, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	f, ok := dm.files[path]
	return f, ok
}

// Delete removes a mock file
func (dm *MockDiskManager) Delete(path string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if _, exists := dm.files[path]; !exists {
		return os.ErrNotExist
	}
	delete(dm.files, path)
	return nil
}

// List returns the names of the mock files in dir matching the suffix
func (dm *MockDiskManager) List(dir string, suffix string) ([]string, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var files []string
	for path := range dm.files {
		if filepath.Dir(path) != filepath.Clean(dir) {
			continue
		}
		name := filepath.Base(path)
		if suffix == "" || strings.HasSuffix(name, suffix) {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Close closes a mock file
func (dm *MockDiskManager) Close(_ string) error {
	return nil
}

// SyncDir fails while sync failures are switched on.
func (dm *MockDiskManager) SyncDir(_ string) error {
	if dm.failSyncs.Load() {
		return ErrInjected
	}
	return nil
}
