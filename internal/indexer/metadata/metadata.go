// Package metadata implements the Metadata persistence indexer: it prepares
// a run's schema, blocks on metadata.pb appearing via
// internal/indexer/metawait, and MERGEs the environment and simulation_info
// rows keyed by the metadata table's natural key column.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/evochora/pipeline/internal/config"
	"github.com/evochora/pipeline/internal/indexer/metawait"
	"github.com/evochora/pipeline/internal/obslog"
	"github.com/evochora/pipeline/internal/resource"
	"github.com/evochora/pipeline/internal/storage"
	"github.com/evochora/pipeline/internal/topicerr"
	"github.com/evochora/pipeline/internal/wire"
)

// Indexer writes the metadata table: one MERGE for "environment" and one
// for "simulation_info", both keyed on the key column. Unlike the batch
// indexers, it has no DLQ: a write failure here is fatal because every
// downstream indexer depends on metadata existing first.
type Indexer struct {
	db   *sqlx.DB
	wait *metawait.Component
	cfg  config.IndexerConfig
	mon  *resource.Monitor
	log  zerolog.Logger
}

// New builds a metadata indexer bound to store for the metadata.pb poll and
// db for the per-run schema writes.
func New(db *sqlx.DB, store storage.Store, cfg config.IndexerConfig) *Indexer {
	return &Indexer{
		db:   db,
		wait: metawait.New(store),
		cfg:  cfg,
		mon:  resource.NewMonitor("metadata-indexer"),
		log:  obslog.For("indexer.metadata"),
	}
}

func (idx *Indexer) Name() string { return idx.mon.Name() }

func (idx *Indexer) UsageState(usageType string) resource.UsageState { return idx.mon.UsageState(usageType) }

func (idx *Indexer) Metrics() map[string]float64 { return idx.mon.Metrics() }

func (idx *Indexer) Errors() []resource.ErrorRecord { return idx.mon.Errors() }

func (idx *Indexer) IsHealthy() bool { return idx.mon.IsHealthy() }

func (idx *Indexer) schema(runID string) string { return storage.SanitizeSchemaName(runID) }

// PrepareSchema idempotently creates the run schema and metadata table.
func (idx *Indexer) PrepareSchema(ctx context.Context, runID string) error {
	schema := idx.schema(runID)
	if _, err := idx.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pq.QuoteIdentifier(schema))); err != nil {
		idx.mon.RecordError(string(topicerr.CreateSchemaFailed), err.Error(), map[string]any{"schema": schema})
		return topicerr.Wrap(topicerr.CreateSchemaFailed, "create schema", err, map[string]any{"schema": schema})
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.metadata (
		key TEXT PRIMARY KEY,
		value JSONB NOT NULL
	)`, pq.QuoteIdentifier(schema))
	if _, err := idx.db.ExecContext(ctx, ddl); err != nil {
		idx.mon.RecordError(string(topicerr.SchemaSetupFailed), err.Error(), map[string]any{"schema": schema})
		return topicerr.Wrap(topicerr.SchemaSetupFailed, "create metadata table", err, map[string]any{"schema": schema})
	}
	return nil
}

// Run blocks until metadata.pb is available for runID, then writes both
// metadata rows. Implements service.Runnable directly since, unlike the
// batch indexers, it never subscribes to a topic.
func (idx *Indexer) Run(ctx context.Context, runID string) error {
	meta, err := idx.wait.Get(ctx, runID, idx.cfg.MetadataFilePollInterval, idx.cfg.MetadataFileMaxPollDuration)
	if err != nil {
		idx.mon.RecordError(string(topicerr.InsertMetadataFailed), err.Error(), map[string]any{"run_id": runID})
		return fmt.Errorf("metadata indexer: wait for metadata.pb: %w", err)
	}
	if err := idx.writeMetadata(ctx, runID, meta); err != nil {
		idx.mon.RecordError(string(topicerr.InsertMetadataFailed), err.Error(), map[string]any{"run_id": runID})
		return fmt.Errorf("metadata indexer: write metadata: %w", err)
	}
	idx.mon.Incr("runs_indexed", 1)
	return nil
}

type environmentJSON struct {
	Dimensions int32   `json:"dimensions"`
	Shape      []int32 `json:"shape"`
	Toroidal   []bool  `json:"toroidal"`
}

type simulationInfoJSON struct {
	SimulationRunID string `json:"simulation_run_id"`
	StartTimeMs     int64  `json:"start_time_ms"`
	InitialSeed     int64  `json:"initial_seed"`
}

func (idx *Indexer) writeMetadata(ctx context.Context, runID string, meta *wire.SimulationMetadata) error {
	schema := idx.schema(runID)

	var envJSON []byte
	var err error
	if meta.Environment != nil {
		envJSON, err = json.Marshal(environmentJSON{
			Dimensions: meta.Environment.Dimensions,
			Shape:      meta.Environment.Shape,
			Toroidal:   meta.Environment.Toroidal,
		})
	} else {
		envJSON, err = json.Marshal(environmentJSON{})
	}
	if err != nil {
		return fmt.Errorf("marshal environment: %w", err)
	}

	infoJSON, err := json.Marshal(simulationInfoJSON{
		SimulationRunID: meta.SimulationRunID,
		StartTimeMs:     meta.StartTimeMs,
		InitialSeed:     meta.InitialSeed,
	})
	if err != nil {
		return fmt.Errorf("marshal simulation_info: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s.metadata (key, value) VALUES ($1, $2), ($3, $4)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, pq.QuoteIdentifier(schema))

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := idx.db.ExecContext(ctx, query, "environment", envJSON, "simulation_info", infoJSON); err != nil {
		return fmt.Errorf("merge metadata rows: %w", err)
	}
	return nil
}
