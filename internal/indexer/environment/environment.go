// Package environment implements the Environment persistence indexer.
// The per-tick environment schema is opaque to this system; the indexer's
// only obligation is an idempotent MERGE keyed on tick_number against a
// single codec-wrapped blob column.
package environment

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/evochora/pipeline/internal/codec"
	"github.com/evochora/pipeline/internal/resource"
	"github.com/evochora/pipeline/internal/storage"
	"github.com/evochora/pipeline/internal/topicerr"
	"github.com/evochora/pipeline/internal/wire"
)

type Indexer struct {
	db  *sqlx.DB
	mon *resource.Monitor
}

func New(db *sqlx.DB) *Indexer {
	return &Indexer{db: db, mon: resource.NewMonitor("environment-indexer")}
}

// SetMetricsWindow configures the sliding-window span behind the
// ticks_flushed_window metric.
func (idx *Indexer) SetMetricsWindow(d time.Duration) { idx.mon.SetWindowSize(d) }

func (idx *Indexer) Name() string { return idx.mon.Name() }

func (idx *Indexer) UsageState(usageType string) resource.UsageState { return idx.mon.UsageState(usageType) }

func (idx *Indexer) Metrics() map[string]float64 { return idx.mon.Metrics() }

func (idx *Indexer) Errors() []resource.ErrorRecord { return idx.mon.Errors() }

func (idx *Indexer) IsHealthy() bool { return idx.mon.IsHealthy() }

func (idx *Indexer) PrepareSchema(ctx context.Context, runID string) error {
	schema := storage.SanitizeSchemaName(runID)
	ddl := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pq.QuoteIdentifier(schema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.environment_states (
			tick_number BIGINT PRIMARY KEY,
			state_blob BYTEA NOT NULL
		)`, pq.QuoteIdentifier(schema)),
	}
	for _, stmt := range ddl {
		if _, err := idx.db.ExecContext(ctx, stmt); err != nil {
			idx.mon.RecordError(string(topicerr.SchemaSetupFailed), err.Error(), map[string]any{"schema": schema})
			return topicerr.Wrap(topicerr.SchemaSetupFailed, "prepare environment schema", err, map[string]any{"schema": schema})
		}
	}
	return nil
}

func (idx *Indexer) FlushTicks(ctx context.Context, runID string, ticks []*wire.TickData) error {
	schema := storage.SanitizeSchemaName(runID)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := idx.db.BeginTxx(ctx, nil)
	if err != nil {
		return topicerr.Wrap(topicerr.WriteFailed, "begin tx", err, nil)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.environment_states (tick_number, state_blob)
		VALUES ($1, $2)
		ON CONFLICT (tick_number) DO UPDATE SET state_blob = EXCLUDED.state_blob`, pq.QuoteIdentifier(schema)))
	if err != nil {
		return topicerr.Wrap(topicerr.WriteFailed, "prepare environment insert", err, nil)
	}
	defer stmt.Close()

	written := 0
	for _, tick := range ticks {
		if len(tick.EnvironmentState) == 0 {
			continue
		}
		blob, err := codec.Wrap(tick.EnvironmentState)
		if err != nil {
			return topicerr.Wrap(topicerr.WriteFailed, "encode environment blob", err, nil)
		}
		if _, err := stmt.ExecContext(ctx, tick.TickNumber, blob); err != nil {
			return topicerr.Wrap(topicerr.WriteFailed, "merge environment_states row", err, map[string]any{"tick": tick.TickNumber})
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return topicerr.Wrap(topicerr.WriteFailed, "commit environment flush", err, nil)
	}
	idx.mon.Incr("ticks_flushed", float64(written))
	idx.mon.Observe("ticks_flushed_window", float64(written))
	return nil
}
