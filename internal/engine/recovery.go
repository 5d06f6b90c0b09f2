package engine

import (
	"fmt"
	"sort"

	"github.com/MikhailWahib/caskdb/internal/keydir"
	"github.com/MikhailWahib/caskdb/internal/record"
	"github.com/MikhailWahib/caskdb/internal/segment"
	"github.com/MikhailWahib/caskdb/internal/shared"
)

// replayState tracks what recovery has seen so far.
type replayState struct {
	// deleted holds the timestamp of the newest tombstone of every key that
	// is currently absent from the directory.
	deleted map[string]uint64
	maxTS   uint64
}

// recover rebuilds the key directory by replaying every segment in id order
// and opens the active segment. Must be called with e.mu held for writing.
func (e *Engine) recover() error {
	names, err := e.dm.List(e.dataDir, segment.Suffix)
	if err != nil {
		return fmt.Errorf("%w: list segments in %s: %w", shared.ErrIO, e.dataDir, err)
	}

	ids := make([]uint64, 0, len(names))
	for _, name := range names {
		id, ok := segment.ParseFileName(name)
		if !ok {
			e.log.Warnw("ignoring unrecognised file", "name", name)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	st := &replayState{deleted: make(map[string]uint64)}
	var (
		last        *segment.Segment
		lastIntact  bool
		corruptions int
		skipped     []uint64
	)

	for _, id := range ids {
		seg, err := segment.OpenOrCreate(e.dm, e.dataDir, id)
		if err != nil {
			e.log.Errorw("skipping unreadable segment", "segment_id", id, "error", err)
			skipped = append(skipped, id)
			last = nil
			continue
		}

		intact := e.replay(seg, st)
		if !intact {
			corruptions++
		}
		e.segments.Add(seg)
		last, lastIntact = seg, intact
	}

	if len(ids) > 0 {
		e.nextID.Store(ids[len(ids)-1])
	}
	e.clock.Store(st.maxTS)
	if len(skipped) > 0 {
		// Timestamps in these files are unknown. Should they become readable
		// again, their records may outrank writes made from here on.
		e.log.Warnw("clock resumed without skipped segments",
			"skipped_segments", skipped,
			"clock", st.maxTS,
		)
	}

	switch {
	case len(ids) == 0:
		seg, err := e.createSegment(0)
		if err != nil {
			return err
		}
		e.segments.Rotate(seg)
	case last != nil && lastIntact && last.Size() == 0:
		e.segments.Rotate(last)
	default:
		// Torn or unreadable highest segment, or one that already holds
		// records: writes go to a fresh segment above every existing id.
		// A reused compaction output would sit at the boundary and outlive
		// tombstones for the older copies it holds.
		if err := e.rotate(); err != nil {
			return err
		}
	}

	e.log.Infow("recovered",
		"segments", e.segments.Len(),
		"keys", e.keydir.Len(),
		"stale_bytes", e.stale,
		"corrupted_segments", corruptions,
		"active_segment", e.segments.Active().ID(),
	)
	return nil
}

// replay applies every valid record of seg to the directory. It returns false
// if the segment ends in a record that could not be decoded; the records
// before it are kept.
func (e *Engine) replay(seg *segment.Segment, st *replayState) bool {
	sc := record.NewScanner(seg.ReaderAt(), seg.Size())
	for sc.Next() {
		e.apply(seg.ID(), sc.Entry(), st)
	}

	if err := sc.Err(); err != nil {
		e.stale += seg.Size() - sc.Offset()
		e.log.Errorw("segment replay stopped early",
			"segment_id", seg.ID(),
			"offset", sc.Offset(),
			"dropped_bytes", seg.Size()-sc.Offset(),
			"error", err,
		)
		return false
	}
	return true
}

// apply replays one record. A record older than what is already known for its
// key, which happens when compaction copied it into a higher segment, only
// counts as stale.
func (e *Engine) apply(segmentID uint64, ent record.Entry, st *replayState) {
	if ent.Timestamp > st.maxTS {
		st.maxTS = ent.Timestamp
	}

	key := string(ent.Key)
	cur, live := e.keydir.Lookup(key)
	deletedAt, deleted := st.deleted[key]

	if (live && ent.Timestamp < cur.Timestamp) || (deleted && ent.Timestamp <= deletedAt) {
		e.stale += ent.Size()
		return
	}

	switch ent.Kind {
	case record.Put:
		loc := keydir.Location{
			SegmentID:   segmentID,
			ValueOffset: ent.ValueOffset(),
			ValueLen:    int64(ent.ValueLen),
			Timestamp:   ent.Timestamp,
		}
		if prev, existed := e.keydir.Upsert(key, loc); existed {
			e.stale += record.Size(int64(len(key)), prev.ValueLen)
		}
		delete(st.deleted, key)
	case record.Tombstone:
		e.stale += ent.Size()
		if prev, existed := e.keydir.Remove(key); existed {
			e.stale += record.Size(int64(len(key)), prev.ValueLen)
		}
		st.deleted[key] = ent.Timestamp
	}
}
