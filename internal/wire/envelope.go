package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payload is any message type that can be packed into a TopicEnvelope.
type Payload interface {
	Marshal() []byte
	TypeName() string
}

const typeURLPrefix = "type.googleapis.com/"

// TopicEnvelope is the wire form of every message stored in topic_messages.
type TopicEnvelope struct {
	MessageID string
	Timestamp int64
	Payload   *Any
}

const (
	envFieldMessageID protowire.Number = 1
	envFieldTimestamp protowire.Number = 2
	envFieldPayload   protowire.Number = 3
)

// NewEnvelope packs payload behind a type.googleapis.com/ URL.
func NewEnvelope(messageID string, timestampMs int64, payload Payload) *TopicEnvelope {
	return &TopicEnvelope{
		MessageID: messageID,
		Timestamp: timestampMs,
		Payload: &Any{
			TypeURL: typeURLPrefix + payload.TypeName(),
			Value:   payload.Marshal(),
		},
	}
}

func (e *TopicEnvelope) Marshal() []byte {
	var b []byte
	if e.MessageID != "" {
		b = protowire.AppendTag(b, envFieldMessageID, protowire.BytesType)
		b = protowire.AppendString(b, e.MessageID)
	}
	if e.Timestamp != 0 {
		b = protowire.AppendTag(b, envFieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Timestamp))
	}
	if e.Payload != nil {
		b = protowire.AppendTag(b, envFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload.Marshal())
	}
	return b
}

func UnmarshalEnvelope(b []byte) (*TopicEnvelope, error) {
	e := &TopicEnvelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: envelope: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case envFieldMessageID:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: envelope: bad message_id: %w", protowire.ParseError(m))
			}
			e.MessageID = v
			b = b[m:]
		case envFieldTimestamp:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: envelope: bad timestamp: %w", protowire.ParseError(m))
			}
			e.Timestamp = int64(v)
			b = b[m:]
		case envFieldPayload:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: envelope: bad payload: %w", protowire.ParseError(m))
			}
			any, err := UnmarshalAny(v)
			if err != nil {
				return nil, fmt.Errorf("wire: envelope: payload: %w", err)
			}
			e.Payload = any
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("wire: envelope: bad field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return e, nil
}
