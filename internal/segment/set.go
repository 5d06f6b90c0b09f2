package segment

import (
	"errors"
	"sort"
)

// Set is the collection of segments known to the engine plus the single
// active one. It has no lock of its own: the engine guards it with the same
// lock that guards the key directory, which is what makes Rotate and Install
// appear atomic to readers.
type Set struct {
	segments map[uint64]*Segment
	active   *Segment
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{segments: make(map[uint64]*Segment)}
}

// Add registers a sealed segment.
func (s *Set) Add(seg *Segment) {
	s.segments[seg.ID()] = seg
}

// Active returns the segment accepting appends.
func (s *Set) Active() *Segment {
	return s.active
}

// Rotate makes next the active segment and returns the one it sealed, if any.
func (s *Set) Rotate(next *Segment) *Segment {
	sealed := s.active
	s.segments[next.ID()] = next
	s.active = next
	return sealed
}

// Get looks up a segment by id.
func (s *Set) Get(id uint64) (*Segment, bool) {
	seg, ok := s.segments[id]
	return seg, ok
}

// IDs returns every segment id in ascending order.
func (s *Set) IDs() []uint64 {
	ids := make([]uint64, 0, len(s.segments))
	for id := range s.segments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Below returns the segments with an id lower than boundary, oldest first.
func (s *Set) Below(boundary uint64) []*Segment {
	var out []*Segment
	for _, id := range s.IDs() {
		if id < boundary {
			out = append(out, s.segments[id])
		}
	}
	return out
}

// Len returns the number of segments, the active one included.
func (s *Set) Len() int {
	return len(s.segments)
}

// TotalSize returns the sum of every segment's size.
func (s *Set) TotalSize() int64 {
	var total int64
	for _, seg := range s.segments {
		total += seg.Size()
	}
	return total
}

// Install removes the obsolete segments and adds the new ones in one step.
// The active segment is never removed. It returns the segments taken out;
// the caller is responsible for calling Remove on them.
func (s *Set) Install(newSegments []*Segment, obsoleteIDs []uint64) []*Segment {
	removed := make([]*Segment, 0, len(obsoleteIDs))
	for _, id := range obsoleteIDs {
		seg, ok := s.segments[id]
		if !ok || seg == s.active {
			continue
		}
		delete(s.segments, id)
		removed = append(removed, seg)
	}

	for _, seg := range newSegments {
		s.segments[seg.ID()] = seg
	}
	return removed
}

// Close releases the Set's reference on every segment.
func (s *Set) Close() error {
	var errs []error
	for id, seg := range s.segments {
		if err := seg.Release(); err != nil {
			errs = append(errs, err)
		}
		delete(s.segments, id)
	}
	s.active = nil
	return errors.Join(errs...)
}
