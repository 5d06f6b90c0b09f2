package engine_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/MikhailWahib/caskdb/internal/diskmanager"
	"github.com/MikhailWahib/caskdb/internal/record"
	"github.com/MikhailWahib/caskdb/internal/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func writeAt(t *testing.T, path string, b []byte, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
}

func TestRecovery_CorruptedRecordKeepsPrefix(t *testing.T) {
	tmpDir := t.TempDir()
	db := openEngine(t, tmpDir, testConfig(t), nil)

	require.NoError(t, db.Set([]byte("a"), []byte("1")))
	require.NoError(t, db.Set([]byte("b"), []byte("2")))
	require.NoError(t, db.Set([]byte("c"), []byte("3")))
	require.NoError(t, db.Close())

	// damage the value of "b", the second record
	recordLen := record.Size(1, 1)
	writeAt(t, filepath.Join(tmpDir, segment.FileName(0)), []byte("X"), recordLen+record.HeaderSize+1)

	db = openEngine(t, tmpDir, testConfig(t), nil)
	requireValue(t, db, "a", "1")
	requireNotFound(t, db, "b")
	requireNotFound(t, db, "c")

	st := db.Stats()
	assert.Equal(t, int64(1), st.Keys)
	assert.Equal(t, 2*recordLen, st.StaleBytes, "dropped bytes count as stale")
	assert.Equal(t, uint64(1), st.ActiveSegmentID, "writes must not follow a damaged tail")

	require.NoError(t, db.Set([]byte("d"), []byte("4")))
	require.NoError(t, db.Close())

	db = openEngine(t, tmpDir, testConfig(t), nil)
	requireValue(t, db, "a", "1")
	requireValue(t, db, "d", "4")
	assert.Equal(t, uint64(2), db.Stats().ActiveSegmentID)

	// compaction gets rid of the damaged segment for good
	require.NoError(t, db.Compact())
	assert.NoFileExists(t, filepath.Join(tmpDir, segment.FileName(0)))
	requireValue(t, db, "a", "1")
	requireValue(t, db, "d", "4")
}

func TestRecovery_TornTail(t *testing.T) {
	tmpDir := t.TempDir()
	db := openEngine(t, tmpDir, testConfig(t), nil)

	require.NoError(t, db.Set([]byte("a"), []byte("1")))
	require.NoError(t, db.Close())

	// a crash in the middle of an append leaves a partial header behind
	writeAt(t, filepath.Join(tmpDir, segment.FileName(0)), make([]byte, 10), record.Size(1, 1))

	db = openEngine(t, tmpDir, testConfig(t), nil)
	requireValue(t, db, "a", "1")
	assert.Equal(t, int64(10), db.Stats().StaleBytes)
	assert.Equal(t, uint64(1), db.Stats().ActiveSegmentID)
}

func TestRecovery_DamagedSegmentDoesNotStopOthers(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(t)
	cfg.SegmentSizeThreshold = 60 // two records per segment

	db := openEngine(t, tmpDir, cfg, nil)
	for i := 0; i < 6; i++ {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	require.Equal(t, uint64(3), db.Stats().ActiveSegmentID)
	require.NoError(t, db.Close())

	// break the checksum of the first record of segment 0
	writeAt(t, filepath.Join(tmpDir, segment.FileName(0)), []byte{0xff, 0xff, 0xff, 0xff}, 0)

	db = openEngine(t, tmpDir, cfg, nil)
	requireNotFound(t, db, "k0")
	requireNotFound(t, db, "k1")
	for i := 2; i < 6; i++ {
		requireValue(t, db, fmt.Sprintf("k%d", i), "v")
	}

	st := db.Stats()
	assert.Equal(t, 2*record.Size(2, 1), st.StaleBytes)
	assert.Equal(t, uint64(3), st.ActiveSegmentID, "an empty last segment is reused")
}

// unreadableDM fails every Open of one path.
type unreadableDM struct {
	diskmanager.DiskManager
	path string
}

func (d *unreadableDM) Open(path string, flags int, perm os.FileMode) (diskmanager.FileHandle, error) {
	if path == d.path {
		return nil, os.ErrPermission
	}
	return d.DiskManager.Open(path, flags, perm)
}

func TestRecovery_UnreadableSegmentIsReported(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(t)
	cfg.SegmentSizeThreshold = 60

	db := openEngine(t, tmpDir, cfg, nil)
	for i := 0; i < 6; i++ {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	require.NoError(t, db.Close())

	core, logs := observer.New(zap.WarnLevel)
	cfg.Logger = zap.New(core)
	dm := &unreadableDM{DiskManager: diskmanager.NewDiskManager(), path: filepath.Join(tmpDir, segment.FileName(1))}
	db = openEngine(t, tmpDir, cfg, dm)

	requireValue(t, db, "k0", "v")
	requireNotFound(t, db, "k2")
	requireNotFound(t, db, "k3")
	requireValue(t, db, "k5", "v")

	assert.Equal(t, 1, logs.FilterMessage("skipping unreadable segment").Len())
	warned := logs.FilterMessage("clock resumed without skipped segments").All()
	require.Len(t, warned, 1)
	assert.Contains(t, warned[0].ContextMap(), "skipped_segments")
	assert.Equal(t, uint64(6), warned[0].ContextMap()["clock"])
}

func TestRecovery_IgnoresForeignFiles(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "notes.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "backup.seg"), []byte("garbage"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(tmpDir, "0000000009.seg"), 0755))

	db := openEngine(t, tmpDir, testConfig(t), nil)
	require.NoError(t, db.Set([]byte("k"), []byte("v")))

	st := db.Stats()
	assert.Equal(t, 1, st.Segments)
	assert.Equal(t, uint64(0), st.ActiveSegmentID)
}

func TestRecovery_StaleDataSchedulesCompaction(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(t)
	cfg.SegmentSizeThreshold = 128

	db := openEngine(t, tmpDir, cfg, nil)
	for i := 0; i < 40; i++ {
		require.NoError(t, db.Set([]byte("k"), []byte(fmt.Sprintf("value-%02d", i))))
	}
	require.NoError(t, db.Close())
	assert.Equal(t, uint64(0), db.Stats().Compactions)

	cfg.CompactionStaleBytesThreshold = 256
	db = openEngine(t, tmpDir, cfg, nil)
	requireValue(t, db, "k", "value-39")

	require.NoError(t, db.Close())
	assert.Equal(t, uint64(1), db.Stats().Compactions)

	db = openEngine(t, tmpDir, cfg, nil)
	requireValue(t, db, "k", "value-39")
}
