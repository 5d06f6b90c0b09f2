package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/MikhailWahib/caskdb/internal/keydir"
	"github.com/MikhailWahib/caskdb/internal/record"
	"github.com/MikhailWahib/caskdb/internal/segment"
	"github.com/MikhailWahib/caskdb/internal/shared"
)

// CompactionManager runs compactions one at a time, either in the background
// once enough stale data has built up, or on demand.
type CompactionManager struct {
	mu     sync.Mutex // held for the whole compaction
	wg     sync.WaitGroup
	engine *Engine
}

// NewCompactionManager creates a new CompactionManager for the given engine.
func NewCompactionManager(e *Engine) *CompactionManager {
	return &CompactionManager{
		engine: e,
	}
}

// relocation is a live value copied by compaction, not yet visible to readers.
type relocation struct {
	key  string
	from keydir.Location
	to   keydir.Location
}

// maybeScheduleCompaction starts a background compaction when the stale byte
// count has reached the threshold and no compaction is running.
// Must be called with e.mu held for writing.
func (e *Engine) maybeScheduleCompaction() {
	if e.stale < e.config.CompactionStaleBytesThreshold {
		return
	}
	if e.compactionMgr.trigger() {
		e.stale = 0
	}
}

// trigger launches a compaction goroutine unless one is already running.
func (cm *CompactionManager) trigger() bool {
	if !cm.mu.TryLock() {
		return false
	}

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		defer cm.mu.Unlock()

		if err := cm.compact(); err != nil {
			cm.engine.log.Errorw("background compaction failed", "error", err)
		}
	}()
	return true
}

// Run seals the active segment, so that everything written so far becomes
// eligible, and compacts synchronously.
func (cm *CompactionManager) Run() error {
	e := cm.engine

	e.mu.RLock()
	if e.closed.Load() {
		e.mu.RUnlock()
		return shared.ErrClosed
	}
	cm.wg.Add(1)
	e.mu.RUnlock()
	defer cm.wg.Done()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	e.mu.Lock()
	e.stale = 0
	if e.segments.Active().Size() > 0 {
		if err := e.rotate(); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to seal active segment: %w", err)
		}
	}
	e.mu.Unlock()

	return cm.compact()
}

// Wait blocks until the running compaction, if any, has finished.
func (cm *CompactionManager) Wait() {
	cm.wg.Wait()
}

// compact rewrites the live values held by every sealed segment into fresh
// segments and removes the sealed ones. Writes and reads go on while values
// are copied; the engine lock is only held to take the snapshot and to
// publish the result. Must be called with cm.mu held.
func (cm *CompactionManager) compact() error {
	e := cm.engine
	start := time.Now()

	e.mu.RLock()
	boundary := e.segments.Active().ID()
	inputs := e.segments.Below(boundary)
	byID := make(map[uint64]*segment.Segment, len(inputs))
	var acquired []*segment.Segment
	for _, seg := range inputs {
		if seg.Acquire() {
			byID[seg.ID()] = seg
			acquired = append(acquired, seg)
		}
	}
	live := e.keydir.Snapshot(func(loc keydir.Location) bool {
		return loc.SegmentID < boundary
	})
	e.mu.RUnlock()

	defer func() {
		for _, seg := range acquired {
			e.release(seg)
		}
	}()

	if len(acquired) == 0 {
		return nil
	}

	e.log.Infow("compaction started", "boundary", boundary, "segments", len(acquired), "live_keys", len(live))

	outputs, moved, err := cm.rewrite(live, byID)
	if err != nil {
		for _, seg := range outputs {
			if rmErr := seg.Remove(); rmErr != nil {
				e.log.Warnw("failed to remove partial compaction output", "segment_id", seg.ID(), "error", rmErr)
			}
		}
		return err
	}

	e.mu.Lock()
	var superseded []relocation
	for _, m := range moved {
		if cur, ok := e.keydir.Lookup(m.key); !ok || cur != m.from {
			superseded = append(superseded, m)
		}
	}
	if len(superseded) > 0 {
		if err := cm.cancel(outputs[len(outputs)-1], superseded); err != nil {
			e.mu.Unlock()
			for _, seg := range outputs {
				if rmErr := seg.Remove(); rmErr != nil {
					e.log.Warnw("failed to remove partial compaction output", "segment_id", seg.ID(), "error", rmErr)
				}
			}
			return err
		}
	}

	var inputSize, outputSize int64
	obsolete := make([]uint64, 0, len(acquired))
	for _, seg := range acquired {
		inputSize += seg.Size()
		obsolete = append(obsolete, seg.ID())
	}
	for _, seg := range outputs {
		outputSize += seg.Size()
	}

	removed := e.segments.Install(outputs, obsolete)
	var (
		relocated int
		orphaned  int64
	)
	for _, m := range moved {
		// keys overwritten or deleted since the snapshot keep their newer state
		if e.keydir.CompareAndSwap(m.key, m.from, m.to) {
			relocated++
			continue
		}
		orphaned += record.Size(int64(len(m.key)), m.to.ValueLen) + record.Size(int64(len(m.key)), 0)
	}
	e.stale += orphaned
	e.mu.Unlock()

	for _, seg := range removed {
		if err := seg.Remove(); err != nil {
			e.log.Warnw("failed to remove compacted segment", "segment_id", seg.ID(), "error", err)
		}
	}

	reclaimed := inputSize - outputSize
	e.stats.compactions.Add(1)
	e.stats.reclaimedBytes.Add(reclaimed)

	e.log.Infow("compaction finished",
		"boundary", boundary,
		"segments", len(removed),
		"outputs", len(outputs),
		"relocated", relocated,
		"orphaned_bytes", orphaned,
		"reclaimed_bytes", reclaimed,
		"duration", time.Since(start),
	)
	return nil
}

// rewrite copies every live record into fresh segments and syncs them. The
// returned segments are not yet part of the segment set.
func (cm *CompactionManager) rewrite(live []keydir.Item, byID map[uint64]*segment.Segment) ([]*segment.Segment, []relocation, error) {
	e := cm.engine

	var (
		outputs []*segment.Segment
		moved   = make([]relocation, 0, len(live))
		out     *segment.Segment
	)

	for _, item := range live {
		src, ok := byID[item.Location.SegmentID]
		if !ok {
			return outputs, nil, fmt.Errorf("%w: compaction: segment %d of key %q is gone", shared.ErrIO, item.Location.SegmentID, item.Key)
		}

		rec, err := src.ReadRecord(item.Location.ValueOffset, int64(len(item.Key)), item.Location.ValueLen)
		if err != nil {
			return outputs, nil, fmt.Errorf("compaction: read key %q: %w", item.Key, err)
		}
		if rec.Kind != record.Put || string(rec.Key) != item.Key {
			return outputs, nil, fmt.Errorf("%w: compaction: segment %d offset %d does not hold key %q", shared.ErrCorrupted, src.ID(), item.Location.ValueOffset, item.Key)
		}

		if out == nil {
			out, err = segment.OpenOrCreate(e.dm, e.dataDir, e.nextID.Add(1))
			if err != nil {
				return outputs, nil, fmt.Errorf("compaction: %w", err)
			}
			outputs = append(outputs, out)
		}

		// The original timestamp is kept so that recovery can order this
		// copy against writes made while compaction was running.
		valueOffset, err := out.Write(record.Encode(rec))
		if err != nil {
			return outputs, nil, fmt.Errorf("compaction: %w", err)
		}

		moved = append(moved, relocation{
			key:  item.Key,
			from: item.Location,
			to: keydir.Location{
				SegmentID:   out.ID(),
				ValueOffset: valueOffset,
				ValueLen:    item.Location.ValueLen,
				Timestamp:   rec.Timestamp,
			},
		})

		if out.Size() > e.config.SegmentSizeThreshold {
			out = nil
		}
	}

	for _, seg := range outputs {
		if err := seg.Sync(); err != nil {
			return outputs, nil, fmt.Errorf("compaction: %w", err)
		}
	}
	// the new files must survive a crash before the old ones are deleted
	if len(outputs) > 0 {
		if err := e.dm.SyncDir(e.dataDir); err != nil {
			return outputs, nil, fmt.Errorf("%w: compaction: sync data dir: %w", shared.ErrIO, err)
		}
	}
	return outputs, moved, nil
}

// cancel appends to out a tombstone for every copy that lost to a write made
// during compaction. The tombstone carries the copy's own timestamp, so it
// outranks only that copy, and it lives in the highest output segment, so no
// later compaction can drop it while the copy is still on disk.
// Must be called with e.mu held for writing.
func (cm *CompactionManager) cancel(out *segment.Segment, superseded []relocation) error {
	for _, m := range superseded {
		buf := record.Encode(record.Record{
			Timestamp: m.to.Timestamp,
			Key:       []byte(m.key),
			Kind:      record.Tombstone,
		})
		if _, err := out.Write(buf); err != nil {
			return fmt.Errorf("compaction: cancel copy of %q: %w", m.key, err)
		}
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("compaction: %w", err)
	}
	return nil
}
