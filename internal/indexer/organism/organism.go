// Package organism implements the Organism persistence indexer: MERGE
// writes into organisms (static, keyed on organism_id) and organism_states
// (per-tick, keyed on (tick_number, organism_id)), with non-grid runtime
// state packed into a single codec-wrapped runtime_state_blob column.
package organism

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

// Indexer writes organism state. Static fields appear only in organisms;
// organism_states never duplicates parent_id/birth_tick/program_id/
// initial_position.
type Indexer struct {
	db  *sqlx.DB
	mon *resource.Monitor
}

func New(db *sqlx.DB) *Indexer {
	return &Indexer{db: db, mon: resource.NewMonitor("organism-indexer")}
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
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.organisms (
			organism_id BIGINT PRIMARY KEY,
			parent_id BIGINT,
			birth_tick BIGINT NOT NULL,
			program_id TEXT,
			initial_position INTEGER[]
		)`, pq.QuoteIdentifier(schema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.organism_states (
			tick_number BIGINT NOT NULL,
			organism_id BIGINT NOT NULL,
			energy BIGINT NOT NULL,
			ip INTEGER[],
			dv INTEGER[],
			data_pointers BYTEA,
			active_dp_index INT,
			runtime_state_blob BYTEA,
			PRIMARY KEY (tick_number, organism_id)
		)`, pq.QuoteIdentifier(schema)),
	}
	for _, stmt := range ddl {
		if _, err := idx.db.ExecContext(ctx, stmt); err != nil {
			idx.mon.RecordError(string(topicerr.SchemaSetupFailed), err.Error(), map[string]any{"schema": schema})
			return topicerr.Wrap(topicerr.SchemaSetupFailed, "prepare organism schema", err, map[string]any{"schema": schema})
		}
	}
	return nil
}

// FlushTicks MERGEs every organism present in ticks into organism_states,
// and MERGEs each organism's static fields into organisms the first time
// this indexer instance sees that organism_id. Absence of an organism from
// a tick's OrganismState list means it is not alive at that tick and no
// organism_states row is written for it.
func (idx *Indexer) FlushTicks(ctx context.Context, runID string, ticks []*wire.TickData) error {
	schema := storage.SanitizeSchemaName(runID)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := idx.db.BeginTxx(ctx, nil)
	if err != nil {
		return topicerr.Wrap(topicerr.WriteFailed, "begin tx", err, nil)
	}
	defer tx.Rollback()

	organismStmt, err := tx.PreparexContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.organisms (organism_id, parent_id, birth_tick, program_id, initial_position)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organism_id) DO NOTHING`, pq.QuoteIdentifier(schema)))
	if err != nil {
		return topicerr.Wrap(topicerr.WriteFailed, "prepare organism insert", err, nil)
	}
	defer organismStmt.Close()

	stateStmt, err := tx.PreparexContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.organism_states (tick_number, organism_id, energy, ip, dv, data_pointers, active_dp_index, runtime_state_blob)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tick_number, organism_id) DO UPDATE SET
			energy = EXCLUDED.energy,
			ip = EXCLUDED.ip,
			dv = EXCLUDED.dv,
			data_pointers = EXCLUDED.data_pointers,
			active_dp_index = EXCLUDED.active_dp_index,
			runtime_state_blob = EXCLUDED.runtime_state_blob`, pq.QuoteIdentifier(schema)))
	if err != nil {
		return topicerr.Wrap(topicerr.WriteFailed, "prepare state insert", err, nil)
	}
	defer stateStmt.Close()

	for _, tick := range ticks {
		for _, o := range tick.Organisms {
			// DO NOTHING on conflict keeps the first observed ip as the
			// organism's initial_position; later ticks never rewrite it.
			if _, err := organismStmt.ExecContext(ctx, o.OrganismID, nullableParent(o.ParentID), o.BirthTick, o.ProgramID, vectorArray(o.IP)); err != nil {
				return topicerr.Wrap(topicerr.WriteFailed, "merge organisms row", err, map[string]any{"organism_id": o.OrganismID})
			}

			blob, err := codec.Wrap(wire.MarshalRuntimeState(o))
			if err != nil {
				return topicerr.Wrap(topicerr.WriteFailed, "encode runtime_state_blob", err, nil)
			}
			if _, err := stateStmt.ExecContext(ctx, tick.TickNumber, o.OrganismID, o.Energy, vectorArray(o.IP), vectorArray(o.DV), encodeDataPointers(o.DataPointers), o.ActiveDpIndex, blob); err != nil {
				return topicerr.Wrap(topicerr.WriteFailed, "merge organism_states row", err, map[string]any{"organism_id": o.OrganismID, "tick": tick.TickNumber})
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return topicerr.Wrap(topicerr.WriteFailed, "commit organism flush", err, nil)
	}
	idx.mon.Incr("ticks_flushed", float64(len(ticks)))
	idx.mon.Observe("ticks_flushed_window", float64(len(ticks)))
	return nil
}

func nullableParent(parentID int64) any {
	if parentID == 0 {
		return nil
	}
	return parentID
}

// vectorArray exposes a Vector as a native Postgres INTEGER[] via pq.Array
// instead of a hand-packed byte blob, so ip/dv/initial_position stay
// directly queryable in SQL.
func vectorArray(v wire.Vector) any {
	if len(v) == 0 {
		return pq.Array([]int32{})
	}
	return pq.Array([]int32(v))
}

// encodeDataPointers packs the jagged per-organism data pointer list into a
// length-prefixed blob; pq.Array only covers rectangular slices, and the
// number of data pointers varies per organism, so this stays a blob rather
// than a second array column.
func encodeDataPointers(ps []wire.Vector) []byte {
	var b []byte
	for _, p := range ps {
		enc := make([]byte, 0, len(p)*4)
		for _, c := range p {
			enc = append(enc, byte(c>>24), byte(c>>16), byte(c>>8), byte(c))
		}
		b = append(b, byte(len(enc)>>8), byte(len(enc)))
		b = append(b, enc...)
	}
	return b
}

