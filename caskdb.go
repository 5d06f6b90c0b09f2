// Package caskdb is an embedded key-value store based on the Bitcask
// log-structured hash table design.
//
// Every write is appended to a segment file and an in-memory key directory
// points each key at the location of its latest value, so a read costs one
// positioned read. Segments are rotated once they grow past a size threshold
// and stale data left behind by overwrites and deletions is reclaimed by a
// background compaction.
//
// Example usage:
//
//	db, err := caskdb.Open("/path/to/database", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.Set([]byte("key"), []byte("value"))
//	if err != nil {
//		log.Printf("Set failed: %v", err)
//	}
//
//	value, err := db.Get([]byte("key"))
//	if errors.Is(err, caskdb.ErrNotFound) {
//		fmt.Println("no such key")
//	} else if err == nil {
//		fmt.Printf("Value: %s\n", string(value))
//	}
//
//	err = db.Delete([]byte("key"))
//	if err != nil {
//		log.Printf("Delete failed: %v", err)
//	}
package caskdb

import (
	"github.com/MikhailWahib/caskdb/internal/config"
	"github.com/MikhailWahib/caskdb/internal/engine"
	"github.com/MikhailWahib/caskdb/internal/shared"
)

// Config is an alias for config.Config, re-exported for user convenience.
type Config = config.Config

// Stats is an alias for engine.Stats, re-exported for user convenience.
type Stats = engine.Stats

// DefaultConfig returns a Config struct populated with default values. Re-exported for user convenience.
var DefaultConfig = config.DefaultConfig

// LoadConfig reads a Config from a YAML file. Options missing from the file keep their defaults.
var LoadConfig = config.Load

// Errors returned by DB methods. Use errors.Is to test for them.
var (
	ErrNotFound        = shared.ErrNotFound
	ErrCorrupted       = shared.ErrCorrupted
	ErrIO              = shared.ErrIO
	ErrInvalidArgument = shared.ErrInvalidArgument
	ErrClosed          = shared.ErrClosed
)

// DB represents a thread-safe CaskDB instance.
// It provides methods for storing, retrieving, and deleting key-value pairs.
type DB struct {
	engine *engine.Engine
}

// Open opens or creates a CaskDB database at the specified path.
//
// The directory will be created if it doesn't exist. If the database exists,
// its key directory is rebuilt from the segment files before Open returns.
// A nil cfg uses DefaultConfig.
//
// Returns a DB instance or an error if the database can't be opened.
func Open(path string, cfg *Config) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := engine.NewEngine(cfg)
	if err := e.OpenDB(path); err != nil {
		return nil, err
	}
	return &DB{engine: e}, nil
}

// Set writes a key-value pair to the database.
// Overwrites the value if the key already exists.
//
// The key must not be empty. The write is on stable storage when Set returns.
func (db *DB) Set(key, value []byte) error {
	return db.engine.Set(key, value)
}

// Get retrieves the value for a given key.
// Returns ErrNotFound if the key doesn't exist.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.engine.Get(key)
}

// Delete removes the key and its value from the database.
// Deleting a key that doesn't exist is not an error.
func (db *DB) Delete(key []byte) error {
	return db.engine.Delete(key)
}

// ListKeys returns every key currently in the database, in ascending order.
func (db *DB) ListKeys() ([][]byte, error) {
	return db.engine.ListKeys()
}

// Compact reclaims the space held by overwritten and deleted values and
// waits until it is done. Compaction also runs on its own in the background
// once enough stale data has accumulated.
func (db *DB) Compact() error {
	return db.engine.Compact()
}

// Stats returns counters and sizes describing the database.
func (db *DB) Stats() Stats {
	return db.engine.Stats()
}

// Close waits for a running compaction and closes all open files.
// After calling Close, every other method returns ErrClosed.
//
// It's recommended to call Close when you're done with the database,
// typically using defer:
//
//	db, err := caskdb.Open("/path/to/database", nil)
//	if err != nil {
//		return err
//	}
//	defer db.Close()
func (db *DB) Close() error {
	return db.engine.Close()
}
