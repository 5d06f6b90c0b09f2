// Package diskmanager is the only place that touches the file system.
// Segments reach their files through a DiskManager, which lets tests swap in
// an in-memory implementation with injectable failures.
package diskmanager

import (
	"os"
	"sort"
	"strings"
	"sync"
)

// FileHandle is a segment file opened for positioned reads and writes.
// There is no shared cursor, so concurrent ReadAt calls do not interfere.
type FileHandle interface {
	// ReadAt reads len(b) bytes from the file starting at byte offset off.
	ReadAt(b []byte, off int64) (int, error)
	// WriteAt writes len(b) bytes to the file starting at byte offset off.
	WriteAt(b []byte, off int64) (int, error)
	Close() error
	// Sync commits the current contents of the file to stable storage.
	Sync() error
	Stat() (os.FileInfo, error)
}

// NewFileHandle wraps an *os.File. *os.File already satisfies FileHandle;
// the wrapper keeps the rest of the file's API out of reach.
func NewFileHandle(file *os.File) FileHandle { return &osFile{f: file} }

type osFile struct{ f *os.File }

func (o *osFile) ReadAt(b []byte, off int64) (int, error)  { return o.f.ReadAt(b, off) }
func (o *osFile) WriteAt(b []byte, off int64) (int, error) { return o.f.WriteAt(b, off) }
func (o *osFile) Close() error                             { return o.f.Close() }
func (o *osFile) Sync() error                              { return o.f.Sync() }
func (o *osFile) Stat() (os.FileInfo, error)               { return o.f.Stat() }

// DiskManager opens, lists and removes the files of a data directory.
// Implementations must be safe for concurrent use.
type DiskManager interface {
	// Open returns a handle for path, opening it with flags and perm on first
	// use. Later calls for the same path return the cached handle.
	Open(path string, flags int, perm os.FileMode) (FileHandle, error)
	// Delete closes path's cached handle, if any, and removes the file.
	Delete(path string) error
	// List returns the sorted names of the regular files in dir whose name
	// ends with suffix. An empty suffix matches every file.
	List(dir string, suffix string) ([]string, error)
	// Close closes and forgets the cached handle for path. Unknown paths are ignored.
	Close(path string) error
	// SyncDir makes file creations and removals in dir durable.
	SyncDir(dir string) error
}

type diskManager struct {
	mu      sync.Mutex
	handles map[string]FileHandle
}

// NewDiskManager returns a DiskManager backed by the os package.
func NewDiskManager() DiskManager {
	return &diskManager{handles: make(map[string]FileHandle)}
}

func (dm *diskManager) Open(path string, flags int, perm os.FileMode) (FileHandle, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if fh, ok := dm.handles[path]; ok {
		return fh, nil
	}

	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return nil, err
	}
	fh := NewFileHandle(f)
	dm.handles[path] = fh
	return fh, nil
}

func (dm *diskManager) Delete(path string) error {
	dm.mu.Lock()
	fh, ok := dm.handles[path]
	delete(dm.handles, path)
	dm.mu.Unlock()

	if ok {
		_ = fh.Close()
	}
	return os.Remove(path)
}

func (dm *diskManager) List(dir string, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if strings.HasSuffix(entry.Name(), suffix) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (dm *diskManager) Close(path string) error {
	dm.mu.Lock()
	fh, ok := dm.handles[path]
	delete(dm.handles, path)
	dm.mu.Unlock()

	if !ok {
		return nil
	}
	return fh.Close()
}

func (dm *diskManager) SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
