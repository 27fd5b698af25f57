// Package topic implements the Durable Topic Engine: publish/subscribe over
// a relational key-value store with durable retention, competing consumers
// within a group, independent consumer groups, event-driven delivery, and
// stuck-claim reassignment. See internal/topic/pgstore for the concrete
// Postgres-backed implementation.
package topic

import (
	"context"
	"time"
)

// AckToken is the opaque claim receipt a reader must present to Ack. It
// pins the exact claim (row id + claim version) a message was delivered
// under, so a late ack from a consumer whose claim already expired and was
// reassigned is rejected rather than silently acknowledging someone else's
// delivery.
type AckToken struct {
	RowID        int64
	ClaimVersion int
}

// Message is one delivered, claimed topic row.
type Message struct {
	RowID     int64
	MessageID string
	Timestamp int64
	Envelope  []byte
	AckToken  AckToken
}

// Engine is the Durable Topic Engine's public contract.
type Engine interface {
	// SetSimulationRun binds this engine delegate to a run's schema,
	// installing it (and lazily, the notification wake-up registration) on
	// first call. Idempotent for repeated calls with the same runID; a
	// different runID on an already-bound delegate fails.
	SetSimulationRun(ctx context.Context, runID string) error

	// Publish appends one row to topic_messages for topicName, returning
	// once committed. Safe for concurrent callers.
	Publish(ctx context.Context, topicName string, envelope []byte) error

	// Receive returns the next unclaimed-or-expired, unacknowledged message
	// visible to consumerGroup, having atomically claimed it, or (nil, nil)
	// on timeout.
	Receive(ctx context.Context, topicName, consumerGroup string, timeout time.Duration) (*Message, error)

	// Ack marks msg acknowledged for its consumer group iff its AckToken's
	// claim version still matches the stored claim version.
	Ack(ctx context.Context, topicName, consumerGroup string, msg *Message) error

	// Close releases the delegate's dedicated connection and prepared
	// statements. Idempotent.
	Close() error
}
