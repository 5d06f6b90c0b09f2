// Package engine implements the core storage engine: the write path, point
// reads, recovery of the key directory from the segment files, segment
// rotation and compaction.
package engine

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MikhailWahib/caskdb/internal/config"
	"github.com/MikhailWahib/caskdb/internal/diskmanager"
	"github.com/MikhailWahib/caskdb/internal/keydir"
	"github.com/MikhailWahib/caskdb/internal/record"
	"github.com/MikhailWahib/caskdb/internal/segment"
	"github.com/MikhailWahib/caskdb/internal/shared"
)

// Engine is a log-structured hash table. Every write is appended to the
// active segment and the key directory is pointed at the new value.
type Engine struct {
	// mu guards the key directory against write/read interleaving, the
	// segment set and the stale byte counter.
	mu sync.RWMutex

	config  *config.Config
	dataDir string
	dm      diskmanager.DiskManager
	log     *zap.SugaredLogger

	keydir   *keydir.Directory
	segments *segment.Set
	stale    int64

	compactionMgr *CompactionManager

	nextID atomic.Uint64
	clock  atomic.Uint64
	closed atomic.Bool

	stats counters
}

type counters struct {
	writes         atomic.Uint64
	reads          atomic.Uint64
	deletes        atomic.Uint64
	compactions    atomic.Uint64
	reclaimedBytes atomic.Int64
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Keys              int64
	Segments          int
	ActiveSegmentID   uint64
	ActiveSegmentSize int64
	DiskSize          int64
	StaleBytes        int64

	Writes         uint64
	Reads          uint64
	Deletes        uint64
	Compactions    uint64
	ReclaimedBytes int64
}

// NewEngine creates an engine backed by the operating system's file system.
// The engine is unusable until OpenDB succeeds.
func NewEngine(cfg *config.Config) *Engine {
	return NewEngineWithDiskManager(cfg, diskmanager.NewDiskManager())
}

// NewEngineWithDiskManager is NewEngine with a caller supplied DiskManager.
func NewEngineWithDiskManager(cfg *config.Config, dm diskmanager.DiskManager) *Engine {
	c := config.DefaultConfig()
	if cfg != nil {
		cp := *cfg
		c = &cp
	}
	c.FillDefaults()

	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		config: c,
		dm:     dm,
		log:    logger.Sugar().Named("engine"),
		keydir: keydir.New(),
	}
	e.compactionMgr = NewCompactionManager(e)
	e.closed.Store(true)
	return e
}

// OpenDB creates dataDir if needed and rebuilds the key directory from the
// segment files found there. It must be called exactly once.
func (e *Engine) OpenDB(dataDir string) error {
	if err := e.config.Validate(); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrInvalidArgument, err)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("%w: create data dir %s: %w", shared.ErrIO, dataDir, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.dataDir = dataDir
	e.segments = segment.NewSet()

	if err := e.recover(); err != nil {
		_ = e.segments.Close()
		return err
	}

	e.closed.Store(false)
	e.maybeScheduleCompaction()
	return nil
}

// Set stores value under key, replacing any previous value.
func (e *Engine) Set(key, value []byte) error {
	if err := e.validate(key); err != nil {
		return err
	}
	if int64(len(value)) > e.config.MaxValueSize {
		return fmt.Errorf("%w: value of %d bytes exceeds limit of %d", shared.ErrInvalidArgument, len(value), e.config.MaxValueSize)
	}

	if err := e.write(key, value, record.Put); err != nil {
		return err
	}
	e.stats.writes.Add(1)
	return nil
}

// Delete appends a tombstone for key and drops it from the directory.
// Deleting an absent key is not an error.
func (e *Engine) Delete(key []byte) error {
	if err := e.validate(key); err != nil {
		return err
	}

	if err := e.write(key, nil, record.Tombstone); err != nil {
		return err
	}
	e.stats.deletes.Add(1)
	return nil
}

func (e *Engine) validate(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", shared.ErrInvalidArgument)
	}
	if int64(len(key)) > e.config.MaxKeySize {
		return fmt.Errorf("%w: key of %d bytes exceeds limit of %d", shared.ErrInvalidArgument, len(key), e.config.MaxKeySize)
	}
	return nil
}

// write appends one record and applies it to the directory. Nothing in
// memory changes unless the append was durable.
func (e *Engine) write(key, value []byte, kind record.Kind) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return shared.ErrClosed
	}

	// The clock is read under the lock so that log order and timestamp order agree.
	ts := e.clock.Add(1)
	buf := record.Encode(record.Record{Timestamp: ts, Key: key, Value: value, Kind: kind})

	active := e.segments.Active()
	valueOffset, err := active.Append(buf)
	if err != nil {
		return err
	}

	k := string(key)
	switch kind {
	case record.Put:
		loc := keydir.Location{
			SegmentID:   active.ID(),
			ValueOffset: valueOffset,
			ValueLen:    int64(len(value)),
			Timestamp:   ts,
		}
		if prev, existed := e.keydir.Upsert(k, loc); existed {
			e.stale += record.Size(int64(len(k)), prev.ValueLen)
		}
	case record.Tombstone:
		e.stale += int64(len(buf))
		if prev, existed := e.keydir.Remove(k); existed {
			e.stale += record.Size(int64(len(k)), prev.ValueLen)
		}
	}

	if active.Size() > e.config.SegmentSizeThreshold {
		// The record is already durable; a failed rotation is retried on the next write.
		if err := e.rotate(); err != nil {
			e.log.Warnw("segment rotation failed", "segment_id", active.ID(), "error", err)
		}
	}

	e.maybeScheduleCompaction()
	return nil
}

// rotate seals the active segment and opens the next one.
// Must be called with e.mu held for writing.
func (e *Engine) rotate() error {
	id := e.nextID.Add(1)
	seg, err := e.createSegment(id)
	if err != nil {
		return err
	}

	sealed := e.segments.Rotate(seg)
	if sealed != nil {
		e.log.Debugw("rotated segment", "from", sealed.ID(), "to", id, "sealed_size", sealed.Size())
	}
	return nil
}

// createSegment creates the file for segment id and makes its directory
// entry durable before anything is written to it.
func (e *Engine) createSegment(id uint64) (*segment.Segment, error) {
	seg, err := segment.OpenOrCreate(e.dm, e.dataDir, id)
	if err != nil {
		return nil, err
	}
	if err := e.dm.SyncDir(e.dataDir); err != nil {
		_ = seg.Remove()
		return nil, fmt.Errorf("%w: sync data dir %s: %w", shared.ErrIO, e.dataDir, err)
	}
	return seg, nil
}

// Get returns the current value of key.
func (e *Engine) Get(key []byte) ([]byte, error) {
	e.mu.RLock()
	if e.closed.Load() {
		e.mu.RUnlock()
		return nil, shared.ErrClosed
	}

	loc, ok := e.keydir.Lookup(string(key))
	if !ok {
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: %q", shared.ErrNotFound, key)
	}

	seg, ok := e.segments.Get(loc.SegmentID)
	if !ok || !seg.Acquire() {
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: segment %d for key %q is not open", shared.ErrIO, loc.SegmentID, key)
	}
	e.mu.RUnlock()
	defer e.release(seg)

	e.stats.reads.Add(1)

	if !e.config.VerifyChecksums {
		return seg.ReadAt(loc.ValueOffset, loc.ValueLen)
	}

	rec, err := seg.ReadRecord(loc.ValueOffset, int64(len(key)), loc.ValueLen)
	if err != nil {
		return nil, err
	}
	if rec.Kind != record.Put || !bytes.Equal(rec.Key, key) {
		return nil, fmt.Errorf("%w: segment %d offset %d holds %s for key %q", shared.ErrCorrupted, seg.ID(), loc.ValueOffset, rec.Kind, rec.Key)
	}
	return rec.Value, nil
}

// ListKeys returns every live key in ascending order.
func (e *Engine) ListKeys() ([][]byte, error) {
	if e.closed.Load() {
		return nil, shared.ErrClosed
	}

	keys := e.keydir.Keys()
	sort.Strings(keys)

	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out, nil
}

// Compact runs a compaction now and waits for it. It queues behind a
// compaction that is already running.
func (e *Engine) Compact() error {
	return e.compactionMgr.Run()
}

// Stats returns counters and sizes describing the engine.
func (e *Engine) Stats() Stats {
	s := Stats{
		Keys:           e.keydir.Len(),
		Writes:         e.stats.writes.Load(),
		Reads:          e.stats.reads.Load(),
		Deletes:        e.stats.deletes.Load(),
		Compactions:    e.stats.compactions.Load(),
		ReclaimedBytes: e.stats.reclaimedBytes.Load(),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.segments == nil {
		return s
	}
	s.Segments = e.segments.Len()
	s.DiskSize = e.segments.TotalSize()
	s.StaleBytes = e.stale
	if active := e.segments.Active(); active != nil {
		s.ActiveSegmentID = active.ID()
		s.ActiveSegmentSize = active.Size()
	}
	return s
}

// Close waits for a running compaction and closes every segment file.
// Calling Close more than once is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return nil
	}
	e.closed.Store(true)
	e.mu.Unlock()

	e.compactionMgr.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.segments.Close(); err != nil {
		return fmt.Errorf("failed to close segments: %w", err)
	}
	_ = e.log.Sync()
	return nil
}

func (e *Engine) release(seg *segment.Segment) {
	if err := seg.Release(); err != nil {
		e.log.Warnw("failed to release segment", "segment_id", seg.ID(), "error", err)
	}
}
