// Package shared holds the error kinds reported by every layer of the engine.
package shared

import "errors"

var (
	// ErrNotFound is returned when a key has no live value.
	ErrNotFound = errors.New("key not found")

	// ErrCorrupted is returned when a record fails its checksum or cannot be decoded.
	ErrCorrupted = errors.New("corrupted record")

	// ErrIO wraps file open, read, write and sync failures.
	ErrIO = errors.New("i/o error")

	// ErrInvalidArgument is returned for empty keys and keys or values above the configured limits.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClosed is returned by every operation issued after Close.
	ErrClosed = errors.New("engine closed")
)
