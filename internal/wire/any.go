// Package wire implements the protobuf v3 wire messages used by the topic
// engine and indexer framework, encoded by hand with protowire instead of
// generated *.pb.go files. Field numbers below are the schema of record;
// changing them breaks on-disk and in-flight compatibility.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Any mirrors google.protobuf.Any's wire shape: a type URL and an opaque
// serialized message. It is wire-compatible with a real Any message, so a
// future migration to generated code can read envelopes written today.
type Any struct {
	TypeURL string
	Value   []byte
}

const (
	anyFieldTypeURL protowire.Number = 1
	anyFieldValue   protowire.Number = 2
)

func (a *Any) Marshal() []byte {
	var b []byte
	if a.TypeURL != "" {
		b = protowire.AppendTag(b, anyFieldTypeURL, protowire.BytesType)
		b = protowire.AppendString(b, a.TypeURL)
	}
	if len(a.Value) > 0 {
		b = protowire.AppendTag(b, anyFieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Value)
	}
	return b
}

func UnmarshalAny(b []byte) (*Any, error) {
	a := &Any{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: any: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case anyFieldTypeURL:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: any: bad type_url: %w", protowire.ParseError(m))
			}
			a.TypeURL = v
			b = b[m:]
		case anyFieldValue:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: any: bad value: %w", protowire.ParseError(m))
			}
			a.Value = append([]byte(nil), v...)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("wire: any: bad field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return a, nil
}

// TypeName returns the fully-qualified message name, accepting any type-URL
// prefix and using the substring after the first '/' (Open Question #3).
func (a *Any) TypeName() string {
	for i := 0; i < len(a.TypeURL); i++ {
		if a.TypeURL[i] == '/' {
			return a.TypeURL[i+1:]
		}
	}
	return a.TypeURL
}
