// Package memtopic implements topic.Engine entirely in process memory,
// backed by the same wakeup.Registry the Postgres engine uses. It keeps the
// full claim semantics of the durable engine (consumer groups, competing
// consumers, claim versions, stuck-claim reassignment, stale-ack rejection)
// without a database, for tests and single-process development runs. The
// Store outlives its Engine delegates the way the database outlives
// connections, so reopening a delegate against the same Store sees every
// previously published message.
package memtopic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evochora/pipeline/internal/resource"
	"github.com/evochora/pipeline/internal/storage"
	"github.com/evochora/pipeline/internal/topic"
	"github.com/evochora/pipeline/internal/topic/wakeup"
	"github.com/evochora/pipeline/internal/topicerr"
)

const shortPoll = 20 * time.Millisecond

type row struct {
	id        int64
	topicName string
	messageID string
	timestamp int64
	envelope  []byte
}

type claimKey struct {
	topicName string
	group     string
	messageID string
}

type claim struct {
	claimedBy    string
	claimedAt    time.Time
	claimVersion int
	acked        bool
}

type schemaState struct {
	nextID int64
	rows   []row
	seen   map[string]map[string]struct{}
	claims map[claimKey]*claim
}

// Store holds every schema's message log and claim table. One Store plays
// the role the database plays for the Postgres engine: delegates come and
// go, the Store persists for the process lifetime.
type Store struct {
	mu      sync.Mutex
	schemas map[string]*schemaState
}

// NewStore builds an empty in-memory message store.
func NewStore() *Store {
	return &Store{schemas: make(map[string]*schemaState)}
}

func (s *Store) schema(name string) *schemaState {
	st, ok := s.schemas[name]
	if !ok {
		st = &schemaState{
			seen:   make(map[string]map[string]struct{}),
			claims: make(map[claimKey]*claim),
		}
		s.schemas[name] = st
	}
	return st
}

// Engine is a topic.Engine delegate over a shared Store. Like its Postgres
// counterpart it binds to exactly one run schema for its lifetime.
type Engine struct {
	store        *Store
	wakeup       *wakeup.Registry
	consumerID   string
	claimTimeout time.Duration

	schema string
	mon    *resource.Monitor
}

// New builds an Engine delegate over store. claimTimeout of 0 disables
// automatic stuck-claim reassignment.
func New(store *Store, wk *wakeup.Registry, consumerID string, claimTimeout time.Duration) *Engine {
	return &Engine{
		store:        store,
		wakeup:       wk,
		consumerID:   consumerID,
		claimTimeout: claimTimeout,
		mon:          resource.NewMonitor("topic-engine-mem"),
	}
}

var _ topic.Engine = (*Engine)(nil)

func (e *Engine) Name() string { return e.mon.Name() }

func (e *Engine) UsageState(usageType string) resource.UsageState { return e.mon.UsageState(usageType) }

// SetMetricsWindow configures the sliding-window span behind the
// claim_conflict_ratio metric, matching the durable engine's surface.
func (e *Engine) SetMetricsWindow(d time.Duration) { e.mon.SetWindowSize(d) }

// Metrics reports the monitor's counters and windows plus the derived
// claim_conflict_ratio, computed the same way the durable engine computes
// it: recent claim attempts that found an existing claim row, over all
// recent attempts.
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

// SetSimulationRun binds this delegate to a run's schema. Idempotent for
// the same run; a different run on a bound delegate is rejected, matching
// the durable engine.
func (e *Engine) SetSimulationRun(ctx context.Context, runID string) error {
	schema := storage.SanitizeSchemaName(runID)
	if e.schema != "" {
		if e.schema == schema {
			return nil
		}
		return fmt.Errorf("memtopic: engine already bound to schema %s, cannot rebind to %s", e.schema, schema)
	}
	e.store.mu.Lock()
	e.store.schema(schema)
	e.store.mu.Unlock()
	e.schema = schema
	return nil
}

// Publish appends one row to the schema's message log and wakes readers.
// A duplicate (topic, message_id) is rejected the way the durable engine's
// unique key rejects it.
func (e *Engine) Publish(ctx context.Context, topicName string, envelope []byte) error {
	if e.schema == "" {
		return fmt.Errorf("memtopic: publish before SetSimulationRun")
	}
	env, err := topic.DecodeEnvelope(envelope)
	if err != nil {
		return topicerr.Wrap(topicerr.PublishFailed, "decode envelope", err, nil)
	}

	e.store.mu.Lock()
	st := e.store.schema(e.schema)
	ids, ok := st.seen[topicName]
	if !ok {
		ids = make(map[string]struct{})
		st.seen[topicName] = ids
	}
	if _, dup := ids[env.MessageID]; dup {
		e.store.mu.Unlock()
		return topicerr.New(topicerr.PublishFailed, "duplicate message_id for topic", map[string]any{
			"topic": topicName, "message_id": env.MessageID,
		})
	}
	ids[env.MessageID] = struct{}{}
	st.nextID++
	id := st.nextID
	st.rows = append(st.rows, row{
		id:        id,
		topicName: topicName,
		messageID: env.MessageID,
		timestamp: env.Timestamp,
		envelope:  append([]byte(nil), envelope...),
	})
	e.store.mu.Unlock()

	e.mon.Incr("messages_published", 1)
	e.wakeup.Notify(wakeup.Key(topicName, e.schema), id)
	return nil
}

// Receive runs the candidate-scan/claim loop until a message is claimed or
// timeout elapses, mirroring the durable engine's dispatch algorithm.
func (e *Engine) Receive(ctx context.Context, topicName, consumerGroup string, timeout time.Duration) (*topic.Message, error) {
	if e.schema == "" {
		return nil, fmt.Errorf("memtopic: receive before SetSimulationRun")
	}
	deadline := time.Now().Add(timeout)
	key := wakeup.Key(topicName, e.schema)

	for {
		if msg := e.tryClaim(topicName, consumerGroup); msg != nil {
			e.mon.Incr("messages_received", 1)
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
		e.wakeup.Wait(ctx, key, wait)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) tryClaim(topicName, consumerGroup string) *topic.Message {
	now := time.Now()
	var reclaimBefore time.Time
	if e.claimTimeout > 0 {
		reclaimBefore = now.Add(-e.claimTimeout)
	}

	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	st := e.store.schema(e.schema)

	for i := range st.rows {
		r := &st.rows[i]
		if r.topicName != topicName {
			continue
		}
		key := claimKey{topicName: topicName, group: consumerGroup, messageID: r.messageID}
		c, claimed := st.claims[key]
		if !claimed {
			e.mon.Observe("claim_attempts_window", 1)
			st.claims[key] = &claim{claimedBy: e.consumerID, claimedAt: now, claimVersion: 1}
			return e.message(r, 1)
		}
		if c.acked {
			continue
		}
		// An existing unacked claim row is what the durable engine's claim
		// INSERT hits as a unique violation.
		e.mon.Observe("claim_attempts_window", 1)
		e.mon.Observe("claim_conflicts_window", 1)
		if !c.claimedAt.IsZero() && (e.claimTimeout == 0 || !c.claimedAt.Before(reclaimBefore)) {
			continue
		}
		c.claimedBy = e.consumerID
		c.claimedAt = now
		c.claimVersion++
		e.mon.Incr("stuck_messages_reassigned", 1)
		e.mon.RecordError(string(topicerr.StuckMessageReassigned), "claim reassigned after timeout", map[string]any{
			"topic": topicName, "group": consumerGroup, "message_id": r.messageID, "claim_version": c.claimVersion,
		})
		return e.message(r, c.claimVersion)
	}
	return nil
}

func (e *Engine) message(r *row, version int) *topic.Message {
	return &topic.Message{
		RowID:     r.id,
		MessageID: r.messageID,
		Timestamp: r.timestamp,
		Envelope:  append([]byte(nil), r.envelope...),
		AckToken:  topic.AckToken{RowID: r.id, ClaimVersion: version},
	}
}

// Ack marks msg acknowledged for its group iff the ack token's claim
// version still matches, rejecting a late ack from a reclaimed consumer.
func (e *Engine) Ack(ctx context.Context, topicName, consumerGroup string, msg *topic.Message) error {
	if e.schema == "" {
		return fmt.Errorf("memtopic: ack before SetSimulationRun")
	}

	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	st := e.store.schema(e.schema)

	var messageID string
	for i := range st.rows {
		if st.rows[i].id == msg.AckToken.RowID && st.rows[i].topicName == topicName {
			messageID = st.rows[i].messageID
			break
		}
	}
	if messageID == "" {
		return topicerr.New(topicerr.AckLookupFailed, "no such message row", map[string]any{"row_id": msg.AckToken.RowID})
	}

	key := claimKey{topicName: topicName, group: consumerGroup, messageID: messageID}
	c, ok := st.claims[key]
	if !ok || c.acked || c.claimVersion != msg.AckToken.ClaimVersion {
		e.mon.Incr("stale_acks_rejected", 1)
		e.mon.RecordError(string(topicerr.StaleAckRejected), "ack claim_version mismatch", map[string]any{
			"topic": topicName, "group": consumerGroup, "message_id": messageID, "claim_version": msg.AckToken.ClaimVersion,
		})
		return topicerr.New(topicerr.StaleAckRejected, "ack rejected: claim reassigned", map[string]any{"message_id": messageID})
	}
	c.acked = true
	c.claimedBy = ""
	c.claimedAt = time.Time{}
	e.mon.Incr("messages_acknowledged", 1)
	return nil
}

// Close releases nothing: the Store outlives the delegate. Idempotent.
func (e *Engine) Close() error { return nil }
