package keydir_test

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/MikhailWahib/caskdb/internal/keydir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory_UpsertLookupRemove(t *testing.T) {
	d := keydir.New()

	_, ok := d.Lookup("missing")
	assert.False(t, ok)

	loc := keydir.Location{SegmentID: 1, ValueOffset: 29, ValueLen: 5, Timestamp: 1}
	_, existed := d.Upsert("a", loc)
	assert.False(t, existed)
	assert.Equal(t, int64(1), d.Len())

	got, ok := d.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, loc, got)

	next := keydir.Location{SegmentID: 2, ValueOffset: 64, ValueLen: 3, Timestamp: 2}
	prev, existed := d.Upsert("a", next)
	assert.True(t, existed)
	assert.Equal(t, loc, prev)
	assert.Equal(t, int64(1), d.Len(), "overwrite must not change the count")

	prev, existed = d.Remove("a")
	assert.True(t, existed)
	assert.Equal(t, next, prev)
	assert.Equal(t, int64(0), d.Len())

	_, existed = d.Remove("a")
	assert.False(t, existed)
	assert.Equal(t, int64(0), d.Len())
}

func TestDirectory_CompareAndSwap(t *testing.T) {
	d := keydir.New()
	old := keydir.Location{SegmentID: 1, ValueOffset: 10, ValueLen: 1, Timestamp: 1}
	moved := keydir.Location{SegmentID: 9, ValueOffset: 40, ValueLen: 1, Timestamp: 1}
	d.Upsert("k", old)

	assert.True(t, d.CompareAndSwap("k", old, moved))
	got, _ := d.Lookup("k")
	assert.Equal(t, moved, got)

	// stale expectation: key changed since the snapshot
	assert.False(t, d.CompareAndSwap("k", old, keydir.Location{SegmentID: 10}))
	got, _ = d.Lookup("k")
	assert.Equal(t, moved, got)

	// deleted keys are not resurrected
	d.Remove("k")
	assert.False(t, d.CompareAndSwap("k", moved, old))
	_, ok := d.Lookup("k")
	assert.False(t, ok)
}

func TestDirectory_SnapshotIsOrderedAndDetached(t *testing.T) {
	d := keydir.New()
	for i, k := range []string{"c", "a", "d", "b"} {
		d.Upsert(k, keydir.Location{SegmentID: uint64(i), Timestamp: uint64(i)})
	}

	snap := d.Snapshot(nil)
	require.Len(t, snap, 4)
	keys := make([]string, len(snap))
	for i, it := range snap {
		keys[i] = it.Key
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, keys)

	// later mutations do not show up in an earlier snapshot
	d.Remove("a")
	d.Upsert("e", keydir.Location{SegmentID: 5})
	assert.Len(t, snap, 4)
	assert.Equal(t, "a", snap[0].Key)

	below := d.Snapshot(func(loc keydir.Location) bool { return loc.SegmentID < 1 })
	require.Len(t, below, 1)
	assert.Equal(t, "c", below[0].Key)
}

func TestDirectory_Keys(t *testing.T) {
	d := keydir.New()
	d.Upsert("x", keydir.Location{})
	d.Upsert("y", keydir.Location{})

	keys := d.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"x", "y"}, keys)
}

func TestDirectory_Concurrent(t *testing.T) {
	d := keydir.New()
	const workers, perWorker = 8, 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("key-%d-%d", w, i)
				d.Upsert(key, keydir.Location{SegmentID: uint64(w), ValueOffset: int64(i)})
				_, _ = d.Lookup(key)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, int64(workers*perWorker), d.Len())
	loc, ok := d.Lookup("key-3-42")
	require.True(t, ok)
	assert.Equal(t, keydir.Location{SegmentID: 3, ValueOffset: 42}, loc)
}
