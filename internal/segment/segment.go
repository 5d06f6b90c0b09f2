// Package segment implements the append-only log files that hold every record,
// and the Set that tracks which of them is currently accepting writes.
package segment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MikhailWahib/caskdb/internal/diskmanager"
	"github.com/MikhailWahib/caskdb/internal/record"
	"github.com/MikhailWahib/caskdb/internal/shared"
)

// Suffix is the file extension of every segment file
const Suffix = ".seg"

// FileName returns the file name used for the segment with the given id.
func FileName(id uint64) string {
	return fmt.Sprintf("%010d%s", id, Suffix)
}

// ParseFileName extracts the segment id from a file name produced by FileName.
func ParseFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, Suffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, Suffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Segment is one append-only log file. Appends are serialized internally;
// reads use positioned I/O and never contend with each other.
//
// A Segment is reference counted. The Set that owns it holds one reference;
// readers Acquire one for the duration of a read so that a segment removed by
// compaction is only closed and unlinked once the last reader is done.
type Segment struct {
	mu sync.Mutex // serializes writers

	id   uint64
	path string
	dm   diskmanager.DiskManager
	fh   diskmanager.FileHandle

	size    atomic.Int64
	refs    atomic.Int32
	removed atomic.Bool
}

// OpenOrCreate opens the segment file for id inside dir, creating it if absent.
// The current file length becomes the segment's running size.
func OpenOrCreate(dm diskmanager.DiskManager, dir string, id uint64) (*Segment, error) {
	path := filepath.Join(dir, FileName(id))

	fh, err := dm.Open(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open segment %d: %w", shared.ErrIO, id, err)
	}

	// Get current file size to set initial write offset
	info, err := fh.Stat()
	if err != nil {
		_ = dm.Close(path)
		return nil, fmt.Errorf("%w: stat segment %d: %w", shared.ErrIO, id, err)
	}

	s := &Segment{
		id:   id,
		path: path,
		dm:   dm,
		fh:   fh,
	}
	s.size.Store(info.Size())
	s.refs.Store(1)
	return s, nil
}

// ID returns the segment id.
func (s *Segment) ID() uint64 { return s.id }

// Path returns the segment's file path.
func (s *Segment) Path() string { return s.path }

// Size returns the number of bytes appended so far.
func (s *Segment) Size() int64 { return s.size.Load() }

// Append writes one encoded record with a single write and syncs it to stable
// storage before returning. It returns the offset of the record's value bytes.
func (s *Segment) Append(buf []byte) (int64, error) {
	return s.write(buf, true)
}

// Write is Append without the sync. Callers must Sync before relying on the data.
func (s *Segment) Write(buf []byte) (int64, error) {
	return s.write(buf, false)
}

func (s *Segment) write(buf []byte, sync bool) (int64, error) {
	h, err := record.DecodeHeader(buf)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.size.Load()

	n, err := s.fh.WriteAt(buf, offset)
	if err != nil {
		return 0, fmt.Errorf("%w: append segment %d at offset %d: %w", shared.ErrIO, s.id, offset, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("%w: append segment %d at offset %d: short write %d of %d", shared.ErrIO, s.id, offset, n, len(buf))
	}

	if sync {
		if err := s.fh.Sync(); err != nil {
			return 0, fmt.Errorf("%w: sync segment %d: %w", shared.ErrIO, s.id, err)
		}
	}

	s.size.Store(offset + int64(n))
	return record.ValueOffset(offset, int64(h.KeyLen)), nil
}

// Sync commits everything written so far to stable storage.
func (s *Segment) Sync() error {
	if err := s.fh.Sync(); err != nil {
		return fmt.Errorf("%w: sync segment %d: %w", shared.ErrIO, s.id, err)
	}
	return nil
}

// ReadAt reads exactly length bytes starting at offset.
func (s *Segment) ReadAt(offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := s.fh.ReadAt(buf, offset)
	if int64(n) < length {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: read segment %d at offset %d: got %d of %d bytes: %w", shared.ErrIO, s.id, offset, n, length, err)
	}
	return buf, nil
}

// ReadRecord reads and verifies the whole record whose value starts at valueOffset.
func (s *Segment) ReadRecord(valueOffset, keyLen, valueLen int64) (record.Record, error) {
	buf, err := s.ReadAt(record.RecordStart(valueOffset, keyLen), record.Size(keyLen, valueLen))
	if err != nil {
		return record.Record{}, err
	}

	r, err := record.Decode(buf)
	if err != nil {
		return record.Record{}, fmt.Errorf("segment %d: %w", s.id, err)
	}
	return r, nil
}

// ReaderAt exposes the segment for sequential scanning.
func (s *Segment) ReaderAt() io.ReaderAt { return s.fh }

// Acquire takes a reference. It fails once the segment has been fully released.
func (s *Segment) Acquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference. The last release closes the file, and unlinks it
// if the segment was removed.
func (s *Segment) Release() error {
	if s.refs.Add(-1) != 0 {
		return nil
	}

	if s.removed.Load() {
		if err := s.dm.Delete(s.path); err != nil {
			return fmt.Errorf("%w: delete segment %d: %w", shared.ErrIO, s.id, err)
		}
		return nil
	}

	if err := s.dm.Close(s.path); err != nil {
		return fmt.Errorf("%w: close segment %d: %w", shared.ErrIO, s.id, err)
	}
	return nil
}

// Remove marks the segment for deletion and drops the owner's reference.
func (s *Segment) Remove() error {
	s.removed.Store(true)
	return s.Release()
}
