// Package metawait implements the Indexer Framework's
// MetadataReadingComponent: Get() blocks the indexer main loop until
// SimulationMetadata has been loaded at least once, so downstream writes
// can rely on environment dimensions/shape being present.
package metawait

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evochora/pipeline/internal/storage"
	"github.com/evochora/pipeline/internal/topicerr"
	"github.com/evochora/pipeline/internal/wire"
)

// Component polls storage for a run's metadata.pb until it appears, then
// caches and serves it to every subsequent Get call.
type Component struct {
	store storage.Store

	mu   sync.Mutex
	meta *wire.SimulationMetadata
}

// New builds a metadata-wait component bound to store.
func New(store storage.Store) *Component {
	return &Component{store: store}
}

// Get blocks until metadata has been loaded (polling store every interval,
// bounded by maxWait) and returns it, or fails with DISCOVERY_TIMEOUT-style
// semantics if it never appears.
func (c *Component) Get(ctx context.Context, runID string, interval, maxWait time.Duration) (*wire.SimulationMetadata, error) {
	c.mu.Lock()
	if c.meta != nil {
		m := c.meta
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	deadline := time.Now().Add(maxWait)
	key := storage.MetadataKey(runID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		blob, err := c.store.ReadMessage(key)
		if err == nil {
			meta, perr := wire.UnmarshalSimulationMetadata(blob)
			if perr != nil {
				return nil, topicerr.Wrap(topicerr.DeserializationError, "parse metadata.pb", perr, map[string]any{"run_id": runID})
			}
			c.mu.Lock()
			c.meta = meta
			c.mu.Unlock()
			return meta, nil
		}

		if time.Now().After(deadline) {
			return nil, topicerr.New(topicerr.DiscoveryTimeout, fmt.Sprintf("metadata for run %s did not appear within %s", runID, maxWait), nil)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Loaded reports whether metadata has already been fetched. Other
// components can poll this instead of racing Get's first caller.
func (c *Component) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta != nil
}
