// Package pgstore implements the Durable Topic Engine (topic.Engine) over
// PostgreSQL via sqlx and lib/pq, grounded on the upsert style of
// internal/persistence/postgres (context-scoped queries, ON CONFLICT DO
// UPDATE, QueryRowxContext). Schema-per-run isolation is implemented with
// CREATE SCHEMA IF NOT EXISTS and a per-connection search_path.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/evochora/pipeline/internal/obslog"
	"github.com/evochora/pipeline/internal/resource"
	"github.com/evochora/pipeline/internal/resource/promreg"
	"github.com/evochora/pipeline/internal/storage"
	"github.com/evochora/pipeline/internal/topic"
	"github.com/evochora/pipeline/internal/topicerr"
	"github.com/evochora/pipeline/internal/topic/wakeup"
)

const candidateScanLimit = 10
const shortPoll = 200 * time.Millisecond

// Engine is a topic.Engine delegate bound to a single connection and,
// after SetSimulationRun, a single run schema. Each delegate owns its
// connection's prepared statements for its whole lifetime; delegates are
// never shared across goroutines expecting independent schemas.
type Engine struct {
	db           *sqlx.DB
	wakeup       *wakeup.Registry
	consumerID   string
	claimTimeout time.Duration

	schema  string
	log     zerolog.Logger
	mon     *resource.Monitor
	metrics *promreg.Registry
}

// New builds an Engine delegate. consumerID identifies this delegate's
// claims (e.g. hostname-pid-goroutine); claimTimeout of 0 disables
// automatic stuck-claim reassignment.
func New(db *sqlx.DB, wk *wakeup.Registry, consumerID string, claimTimeout time.Duration) *Engine {
	return &Engine{
		db:           db,
		wakeup:       wk,
		consumerID:   consumerID,
		claimTimeout: claimTimeout,
		log:          obslog.For("topic.pgstore"),
		mon:          resource.NewMonitor("topic-engine"),
	}
}

var _ topic.Engine = (*Engine)(nil)

// SetMetrics points the delegate at the process-wide Prometheus collectors.
// Optional; a nil registry (the default) skips Prometheus recording.
func (e *Engine) SetMetrics(reg *promreg.Registry) { e.metrics = reg }

// SetMetricsWindow configures the sliding-window span behind the
// claim_conflict_ratio metric. Call before the first Receive.
func (e *Engine) SetMetricsWindow(d time.Duration) { e.mon.SetWindowSize(d) }

func (e *Engine) Name() string { return e.mon.Name() }

func (e *Engine) UsageState(usageType string) resource.UsageState { return e.mon.UsageState(usageType) }

// Metrics reports the monitor's counters and windows plus the derived
// claim_conflict_ratio: the fraction of recent claim attempts that hit an
// existing consumer-group row, 0 while the window holds no attempts.
func (e *Engine) Metrics() map[string]float64 {
	m := e.mon.Metrics()
	ratio := 0.0
	if attempts := m["claim_attempts_window"]; attempts > 0 {
		ratio = m["claim_conflicts_window"] / attempts
	}
	m["claim_conflict_ratio"] = ratio
	return m
}

func (e *Engine) Errors() []resource.ErrorRecord { return e.mon.Errors() }

func (e *Engine) IsHealthy() bool { return e.mon.IsHealthy() }

// SetSimulationRun installs the run's schema (and tables) idempotently. A
// second call with a different runID is rejected: rebinding a live delegate
// to another run is unsupported.
func (e *Engine) SetSimulationRun(ctx context.Context, runID string) error {
	schema := storage.SanitizeSchemaName(runID)
	if e.schema != "" {
		if e.schema == schema {
			return nil
		}
		return fmt.Errorf("topic: engine already bound to schema %s, cannot rebind to %s", e.schema, schema)
	}
	if err := e.ensureSchema(ctx, schema); err != nil {
		e.mon.RecordError(string(topicerr.SchemaSetupFailed), err.Error(), map[string]any{"schema": schema})
		return topicerr.Wrap(topicerr.SchemaSetupFailed, "ensure topic schema", err, map[string]any{"schema": schema})
	}
	e.schema = schema
	return nil
}

func (e *Engine) ensureSchema(ctx context.Context, schema string) error {
	if _, err := e.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pq.QuoteIdentifier(schema))); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.topic_messages (
			id BIGSERIAL PRIMARY KEY,
			topic_name TEXT NOT NULL,
			message_id TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			envelope BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (topic_name, message_id)
		)`, pq.QuoteIdentifier(schema)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS topic_messages_topic_id_idx ON %s.topic_messages (topic_name, id)`, pq.QuoteIdentifier(schema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.topic_consumer_group (
			topic_name TEXT NOT NULL,
			consumer_group TEXT NOT NULL,
			message_id TEXT NOT NULL,
			claimed_by TEXT,
			claimed_at TIMESTAMPTZ,
			claim_version INT NOT NULL DEFAULT 1,
			acknowledged_at TIMESTAMPTZ,
			PRIMARY KEY (topic_name, consumer_group, message_id)
		)`, pq.QuoteIdentifier(schema)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS topic_consumer_group_claim_idx ON %s.topic_consumer_group (topic_name, claimed_by, claimed_at)`, pq.QuoteIdentifier(schema)),
	}
	for _, stmt := range ddl {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (e *Engine) qualified(table string) string {
	return pq.QuoteIdentifier(e.schema) + "." + table
}

// Publish appends one row to topic_messages and wakes any blocked readers.
func (e *Engine) Publish(ctx context.Context, topicName string, envelope []byte) error {
	if e.schema == "" {
		return fmt.Errorf("topic: publish before SetSimulationRun")
	}
	env, err := topic.DecodeEnvelope(envelope)
	if err != nil {
		return topicerr.Wrap(topicerr.PublishFailed, "decode envelope", err, nil)
	}

	query := fmt.Sprintf(`INSERT INTO %s (topic_name, message_id, timestamp, envelope)
		VALUES ($1, $2, $3, $4) RETURNING id`, e.qualified("topic_messages"))

	var id int64
	err = e.db.QueryRowxContext(ctx, query, topicName, env.MessageID, env.Timestamp, envelope).Scan(&id)
	if err != nil {
		e.mon.RecordError(string(topicerr.PublishFailed), err.Error(), map[string]any{"topic": topicName})
		return topicerr.Wrap(topicerr.PublishFailed, "insert topic message", err, map[string]any{"topic": topicName})
	}
	e.mon.Incr("messages_published", 1)
	if e.metrics != nil {
		e.metrics.PublishTotal.WithLabelValues(topicName).Inc()
	}
	e.wakeup.Notify(wakeup.Key(topicName, e.schema), id)
	return nil
}

// Receive runs the candidate-scan/claim loop until a message is claimed or
// timeout elapses.
func (e *Engine) Receive(ctx context.Context, topicName, consumerGroup string, timeout time.Duration) (*topic.Message, error) {
	if e.schema == "" {
		return nil, fmt.Errorf("topic: receive before SetSimulationRun")
	}
	deadline := time.Now().Add(timeout)
	key := wakeup.Key(topicName, e.schema)

	for {
		msg, err := e.tryClaim(ctx, topicName, consumerGroup)
		if err != nil {
			e.mon.RecordError(string(topicerr.ClaimFailed), err.Error(), map[string]any{"topic": topicName, "group": consumerGroup})
			return nil, nil
		}
		if msg != nil {
			e.mon.Incr("messages_received", 1)
			if e.metrics != nil {
				e.metrics.ReceiveTotal.WithLabelValues(topicName, consumerGroup).Inc()
			}
			return msg, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := remaining
		if wait > shortPoll {
			wait = shortPoll
		}
		e.mon.SetUsageState(topicName, resource.Waiting)
		e.wakeup.Wait(ctx, key, wait)
		e.mon.SetUsageState(topicName, resource.Active)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

type candidateRow struct {
	ID        int64  `db:"id"`
	MessageID string `db:"message_id"`
	Timestamp int64  `db:"timestamp"`
	Envelope  []byte `db:"envelope"`
}

func (e *Engine) tryClaim(ctx context.Context, topicName, consumerGroup string) (*topic.Message, error) {
	reclaimBefore := time.Unix(0, 0)
	if e.claimTimeout > 0 {
		reclaimBefore = time.Now().Add(-e.claimTimeout)
	}

	scanQuery := fmt.Sprintf(`
		SELECT tm.id, tm.message_id, tm.timestamp, tm.envelope
		FROM %[1]s tm
		LEFT JOIN %[2]s cg
			ON cg.topic_name = tm.topic_name AND cg.consumer_group = $1 AND cg.message_id = tm.message_id
		WHERE tm.topic_name = $2
			AND (cg.message_id IS NULL OR (cg.acknowledged_at IS NULL AND (cg.claimed_at IS NULL OR cg.claimed_at < $3)))
		ORDER BY tm.id
		LIMIT %[3]d`, e.qualified("topic_messages"), e.qualified("topic_consumer_group"), candidateScanLimit)

	var candidates []candidateRow
	if err := e.db.SelectContext(ctx, &candidates, scanQuery, consumerGroup, topicName, reclaimBefore); err != nil {
		return nil, fmt.Errorf("candidate scan: %w", err)
	}

	for _, c := range candidates {
		version, ok, err := e.claim(ctx, topicName, consumerGroup, c.MessageID, reclaimBefore)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", c.MessageID, err)
		}
		if !ok {
			continue
		}
		return &topic.Message{
			RowID:     c.ID,
			MessageID: c.MessageID,
			Timestamp: c.Timestamp,
			Envelope:  c.Envelope,
			AckToken:  topic.AckToken{RowID: c.ID, ClaimVersion: version},
		}, nil
	}
	return nil, nil
}

// claim attempts the INSERT-then-UPDATE claim loop for one candidate
// message: a first-writer-wins INSERT, falling back to a guarded UPDATE on
// unique-key conflict. The underlying engine is assumed not to support
// SELECT ... FOR UPDATE SKIP LOCKED, so this reproduces its guarantees at
// statement granularity instead of one atomic statement.
func (e *Engine) claim(ctx context.Context, topicName, consumerGroup, messageID string, reclaimBefore time.Time) (version int, ok bool, err error) {
	e.mon.Observe("claim_attempts_window", 1)

	insertQuery := fmt.Sprintf(`INSERT INTO %s (topic_name, consumer_group, message_id, claimed_by, claimed_at, claim_version)
		VALUES ($1, $2, $3, $4, now(), 1)`, e.qualified("topic_consumer_group"))

	_, err = e.db.ExecContext(ctx, insertQuery, topicName, consumerGroup, messageID, e.consumerID)
	if err == nil {
		return 1, true, nil
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return 0, false, fmt.Errorf("insert claim: %w", err)
	}

	e.mon.Observe("claim_conflicts_window", 1)
	if e.metrics != nil {
		e.metrics.ClaimConflicts.Inc()
	}

	updateQuery := fmt.Sprintf(`UPDATE %s SET claimed_by = $1, claimed_at = now(), claim_version = claim_version + 1
		WHERE topic_name = $2 AND consumer_group = $3 AND message_id = $4
			AND acknowledged_at IS NULL AND (claimed_at IS NULL OR claimed_at < $5)
		RETURNING claim_version`, e.qualified("topic_consumer_group"))

	var newVersion int
	row := e.db.QueryRowxContext(ctx, updateQuery, e.consumerID, topicName, consumerGroup, messageID, reclaimBefore)
	if err := row.Scan(&newVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("reclaim update: %w", err)
	}
	if newVersion > 1 {
		e.mon.Incr("stuck_messages_reassigned", 1)
		e.mon.RecordError(string(topicerr.StuckMessageReassigned), "claim reassigned after timeout", map[string]any{
			"topic": topicName, "group": consumerGroup, "message_id": messageID, "claim_version": newVersion,
		})
	}
	return newVersion, true, nil
}

// Ack resolves the message_id for msg.AckToken.RowID and, within one
// transaction, acknowledges and clears the claim guarded by the token's
// claim_version. A version mismatch (someone else reclaimed the message)
// rolls back and counts a stale ack.
func (e *Engine) Ack(ctx context.Context, topicName, consumerGroup string, msg *topic.Message) error {
	if e.schema == "" {
		return fmt.Errorf("topic: ack before SetSimulationRun")
	}

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return topicerr.Wrap(topicerr.AckTransactionFailed, "begin ack tx", err, nil)
	}
	defer tx.Rollback()

	var messageID string
	lookupQuery := fmt.Sprintf(`SELECT message_id FROM %s WHERE id = $1 AND topic_name = $2`, e.qualified("topic_messages"))
	if err := tx.QueryRowxContext(ctx, lookupQuery, msg.AckToken.RowID, topicName).Scan(&messageID); err != nil {
		return topicerr.Wrap(topicerr.AckLookupFailed, "resolve message_id", err, map[string]any{"row_id": msg.AckToken.RowID})
	}

	updateQuery := fmt.Sprintf(`UPDATE %s SET acknowledged_at = now(), claimed_by = NULL, claimed_at = NULL
		WHERE topic_name = $1 AND consumer_group = $2 AND message_id = $3 AND claim_version = $4 AND acknowledged_at IS NULL`,
		e.qualified("topic_consumer_group"))

	res, err := tx.ExecContext(ctx, updateQuery, topicName, consumerGroup, messageID, msg.AckToken.ClaimVersion)
	if err != nil {
		return topicerr.Wrap(topicerr.AckFailed, "ack update", err, map[string]any{"message_id": messageID})
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return topicerr.Wrap(topicerr.AckFailed, "rows affected", err, nil)
	}
	if affected == 0 {
		e.mon.Incr("stale_acks_rejected", 1)
		if e.metrics != nil {
			e.metrics.StaleAcks.Inc()
		}
		e.mon.RecordError(string(topicerr.StaleAckRejected), "ack claim_version mismatch", map[string]any{
			"topic": topicName, "group": consumerGroup, "message_id": messageID, "claim_version": msg.AckToken.ClaimVersion,
		})
		return topicerr.New(topicerr.StaleAckRejected, "ack rejected: claim reassigned", map[string]any{"message_id": messageID})
	}

	if err := tx.Commit(); err != nil {
		return topicerr.Wrap(topicerr.AckTransactionFailed, "commit ack tx", err, nil)
	}
	e.mon.Incr("messages_acknowledged", 1)
	if e.metrics != nil {
		e.metrics.AckTotal.WithLabelValues(topicName, consumerGroup).Inc()
	}
	return nil
}

// Close is a no-op: the delegate does not own db, only its schema binding.
// Idempotent by construction.
func (e *Engine) Close() error { return nil }
