// Package fsstore implements the Storage Contract against a local
// filesystem root, grounded on the teacher's PITStore file-persistence
// idiom (internal/infrastructure/db.PITStore.storeToFile/readFromFile):
// filepath.Join + os.MkdirAll + os.WriteFile, generalized from JSON PIT
// snapshots to raw protobuf blobs keyed by run-id.
package fsstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	cb "github.com/sony/gobreaker"

	"github.com/evochora/pipeline/internal/orchestrate"
	"github.com/evochora/pipeline/internal/resource"
	"github.com/evochora/pipeline/internal/storage"
)

// FSStore writes/reads run blobs under a root directory:
// <root>/<runId>/metadata.pb and <root>/<runId>/batch_<start>_<end>.pb.
// Reads are guarded by a circuit breaker so a failing or stalled backing
// filesystem trips the resource into FAILED rather than letting every
// indexer call block or error individually.
type FSStore struct {
	root    string
	monitor *resource.Monitor
	breaker *cb.CircuitBreaker
}

// New builds an FSStore rooted at root, creating it if absent.
func New(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: create root %s: %w", root, err)
	}
	settings := cb.Settings{Name: "fsstore-read"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 30 * time.Second
	settings.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}
	s := &FSStore{root: root, monitor: resource.NewMonitor("fsstore")}
	settings.OnStateChange = func(name string, from, to cb.State) {
		if to == cb.StateOpen {
			s.monitor.SetUsageState(orchestrate.UsageStorageRead, resource.Failed)
		} else if to == cb.StateClosed {
			s.monitor.SetUsageState(orchestrate.UsageStorageRead, resource.Active)
		}
	}
	s.breaker = cb.NewCircuitBreaker(settings)
	return s, nil
}

var _ storage.Store = (*FSStore)(nil)

func (s *FSStore) Name() string { return s.monitor.Name() }

func (s *FSStore) UsageState(usageType string) resource.UsageState {
	return s.monitor.UsageState(usageType)
}

func (s *FSStore) Metrics() map[string]float64 { return s.monitor.Metrics() }

func (s *FSStore) Errors() []resource.ErrorRecord { return s.monitor.Errors() }

func (s *FSStore) IsHealthy() bool { return s.monitor.IsHealthy() }

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// WriteMessage writes payload atomically by writing to a temp file in the
// same directory and renaming, so a reader polling the final key never
// observes a partial blob.
func (s *FSStore) WriteMessage(key string, payload []byte) error {
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		s.monitor.RecordError("WRITE_FAILED", "mkdir", map[string]any{"key": key})
		return fmt.Errorf("fsstore: mkdir for %s: %w", key, err)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		s.monitor.RecordError("WRITE_FAILED", "write temp file", map[string]any{"key": key})
		return fmt.Errorf("fsstore: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		s.monitor.RecordError("WRITE_FAILED", "rename temp file", map[string]any{"key": key})
		return fmt.Errorf("fsstore: rename into place %s: %w", key, err)
	}
	s.monitor.Incr("messages_written", 1)
	return nil
}

// ReadMessage is routed through a circuit breaker: a missing key is a
// normal polling outcome and never counts as a breaker failure, but
// repeated I/O errors (disk stalls, permission loss) trip the breaker open
// and mark the storage resource FAILED until it recovers.
func (s *FSStore) ReadMessage(key string) ([]byte, error) {
	result, err := s.breaker.Execute(func() (any, error) {
		data, err := os.ReadFile(s.path(key))
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		s.monitor.RecordError("READ_FAILED", "read", map[string]any{"key": key})
		return nil, fmt.Errorf("fsstore: read %s: %w", key, err)
	}
	data, _ := result.([]byte)
	if data == nil {
		return nil, storage.ErrNotFound
	}
	s.monitor.Incr("messages_read", 1)
	return data, nil
}

// ListRunIds lists the immediate subdirectories of root, filters by embedded
// timestamp > afterUnixMs, and returns them ascending. Never blocks.
func (s *FSStore) ListRunIds(afterUnixMs int64) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsstore: list run directories: %w", err)
	}

	type candidate struct {
		runID string
		ts    int64
	}
	var out []candidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runID := e.Name()
		ts, err := storage.ParseRunIDTimestamp(runID)
		if err != nil {
			continue
		}
		if ts > afterUnixMs {
			out = append(out, candidate{runID, ts})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ts < out[j].ts })

	ids := make([]string, len(out))
	for i, c := range out {
		ids[i] = c.runID
	}
	return ids, nil
}

// RootDirectory exposes the configured root, mainly for tests.
func (s *FSStore) RootDirectory() string { return s.root }
