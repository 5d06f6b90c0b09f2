// Package keydir implements the in-memory directory that maps every live key
// to the location of its most recent value.
//
// The directory is split into shards selected by a murmur3 hash of the key so
// that lookups from many readers do not pile onto one lock. The directory
// itself only guarantees memory safety; pairing every mutation with a durable
// log append is the engine's job.
package keydir

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/spaolacci/murmur3"
)

const (
	// Number of shards for the directory (power of 2 for efficient modulo)
	numShards = 256
	shardMask = numShards - 1
)

// Location is where the current value of a key lives.
type Location struct {
	SegmentID   uint64
	ValueOffset int64
	ValueLen    int64
	Timestamp   uint64
}

// Item is one (key, location) pair of a snapshot.
type Item struct {
	Key      string
	Location Location
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]Location
}

// Directory is a concurrent key to Location map.
type Directory struct {
	shards [numShards]*shard
	count  atomic.Int64
}

// New returns an empty Directory.
func New() *Directory {
	d := &Directory{}
	for i := range d.shards {
		d.shards[i] = &shard{entries: make(map[string]Location)}
	}
	return d
}

func (d *Directory) shard(key string) *shard {
	return d.shards[murmur3.Sum32([]byte(key))&shardMask]
}

// Lookup returns the location of key, if present.
func (d *Directory) Lookup(key string) (Location, bool) {
	s := d.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.entries[key]
	return loc, ok
}

// Upsert points key at loc and returns the location it replaced.
func (d *Directory) Upsert(key string, loc Location) (Location, bool) {
	s := d.shard(key)
	s.mu.Lock()
	prev, existed := s.entries[key]
	s.entries[key] = loc
	s.mu.Unlock()

	if !existed {
		d.count.Add(1)
	}
	return prev, existed
}

// Remove deletes key and returns the location it had.
func (d *Directory) Remove(key string) (Location, bool) {
	s := d.shard(key)
	s.mu.Lock()
	prev, existed := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if existed {
		d.count.Add(-1)
	}
	return prev, existed
}

// CompareAndSwap points key at next only if it currently points at old.
// Compaction uses it so that a key rewritten or deleted in the meantime keeps
// its newer state.
func (d *Directory) CompareAndSwap(key string, old, next Location) bool {
	s := d.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[key]
	if !ok || cur != old {
		return false
	}
	s.entries[key] = next
	return true
}

// Len returns the number of keys.
func (d *Directory) Len() int64 {
	return d.count.Load()
}

// Keys returns a copy of every key, in no particular order.
func (d *Directory) Keys() []string {
	keys := make([]string, 0, d.Len())
	for _, s := range d.shards {
		s.mu.RLock()
		for k := range s.entries {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	return keys
}

// Snapshot returns a point-in-time copy of the entries accepted by filter
// (all entries when filter is nil), ordered by key.
func (d *Directory) Snapshot(filter func(Location) bool) []Item {
	items := make([]Item, 0, d.Len())
	for _, s := range d.shards {
		s.mu.RLock()
		for k, loc := range s.entries {
			if filter == nil || filter(loc) {
				items = append(items, Item{Key: k, Location: loc})
			}
		}
		s.mu.RUnlock()
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items
}
