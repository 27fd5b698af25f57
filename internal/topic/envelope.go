package topic

import (
	"fmt"

	"github.com/evochora/pipeline/internal/wire"
)

// EnvelopeFields is the subset of a TopicEnvelope the engine needs to
// populate topic_messages' dedicated message_id/timestamp columns without
// re-parsing the envelope on every read.
type EnvelopeFields struct {
	MessageID string
	Timestamp int64
}

// DecodeEnvelope unwraps just enough of a wire-encoded TopicEnvelope for
// the engine to store it; the payload itself stays opaque until a reader
// unwraps it via the type URL.
func DecodeEnvelope(b []byte) (*EnvelopeFields, error) {
	env, err := wire.UnmarshalEnvelope(b)
	if err != nil {
		return nil, fmt.Errorf("topic: decode envelope: %w", err)
	}
	if env.MessageID == "" {
		return nil, fmt.Errorf("topic: envelope missing message_id")
	}
	return &EnvelopeFields{MessageID: env.MessageID, Timestamp: env.Timestamp}, nil
}
