package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const runIDTimestampLayout = "20060102150405"

// ParseRunIDTimestamp extracts the millisecond timestamp embedded in a
// run-id of the form YYYYMMDDHHmmssSS-<uuid>, where SS is centiseconds.
// listRunIds must derive ordering from this prefix, not filesystem
// metadata, for determinism across storage backends.
func ParseRunIDTimestamp(runID string) (int64, error) {
	dash := strings.IndexByte(runID, '-')
	if dash < 16 {
		return 0, fmt.Errorf("storage: run-id %q missing 16-digit timestamp prefix", runID)
	}
	prefix := runID[:16]
	t, err := time.Parse(runIDTimestampLayout, prefix[:14])
	if err != nil {
		return 0, fmt.Errorf("storage: run-id %q: bad timestamp prefix: %w", runID, err)
	}
	centis, err := strconv.Atoi(prefix[14:16])
	if err != nil {
		return 0, fmt.Errorf("storage: run-id %q: bad centisecond suffix: %w", runID, err)
	}
	return t.UnixMilli() + int64(centis)*10, nil
}

// NewRunID formats a run-id from a time and a UUIDv4 string (caller
// supplies the UUID so callers can use google/uuid.New().String()).
func NewRunID(t time.Time, uuid string) string {
	centis := t.Nanosecond() / 10_000_000
	return fmt.Sprintf("%s%02d-%s", t.Format(runIDTimestampLayout), centis, uuid)
}

// SanitizeSchemaName converts a run-id into its per-run schema name:
// hyphens replaced by underscores, prefixed sim_.
func SanitizeSchemaName(runID string) string {
	return "sim_" + strings.ReplaceAll(runID, "-", "_")
}
