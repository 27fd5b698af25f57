// Package storage defines the Storage Contract: atomic per-key protobuf
// blob writes, reads that fail fast when a key is absent, and run discovery
// by timestamp-ordered run-id.
package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by ReadMessage when key has never been written.
var ErrNotFound = errors.New("storage: message not found")

// Store is the contract the indexer framework and persistence services use
// to read and write run blobs.
type Store interface {
	// WriteMessage atomically writes payload under key.
	WriteMessage(key string, payload []byte) error

	// ReadMessage reads the blob at key, returning ErrNotFound if absent.
	ReadMessage(key string) ([]byte, error)

	// ListRunIds returns run-ids whose embedded timestamp decodes to a value
	// strictly greater than afterUnixMs, ascending by that timestamp. Never
	// blocks.
	ListRunIds(afterUnixMs int64) ([]string, error)
}

// MetadataKey returns the storage key for a run's SimulationMetadata blob.
func MetadataKey(runID string) string {
	return runID + "/metadata.pb"
}

// BatchKey returns the storage key for a tick-range batch blob, zero-padded
// to 10 digits per the external interface contract.
func BatchKey(runID string, tickStart, tickEnd int64) string {
	return fmt.Sprintf("%s/batch_%010d_%010d.pb", runID, tickStart, tickEnd)
}
