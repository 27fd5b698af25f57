package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// appendPackedVarint encodes a repeated scalar field using proto3's default
// packed representation: one length-delimited field containing back-to-back
// varints.
func appendPackedVarint(b []byte, num protowire.Number, vals []int64) []byte {
	if len(vals) == 0 {
		return b
	}
	var inner []byte
	for _, v := range vals {
		inner = protowire.AppendVarint(inner, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

func consumePackedVarint(b []byte) ([]int64, int, error) {
	inner, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n, fmt.Errorf("wire: packed varint: %w", protowire.ParseError(n))
	}
	var out []int64
	for len(inner) > 0 {
		v, m := protowire.ConsumeVarint(inner)
		if m < 0 {
			return nil, n, fmt.Errorf("wire: packed varint element: %w", protowire.ParseError(m))
		}
		out = append(out, int64(v))
		inner = inner[m:]
	}
	return out, n, nil
}

func appendPackedBool(b []byte, num protowire.Number, vals []bool) []byte {
	ints := make([]int64, len(vals))
	for i, v := range vals {
		if v {
			ints[i] = 1
		}
	}
	return appendPackedVarint(b, num, ints)
}

func consumePackedBool(b []byte) ([]bool, int, error) {
	ints, n, err := consumePackedVarint(b)
	if err != nil {
		return nil, n, err
	}
	out := make([]bool, len(ints))
	for i, v := range ints {
		out[i] = v != 0
	}
	return out, n, nil
}

// appendBytesField writes a length-delimited raw bytes field, skipping empty values.
func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, v)
	return b
}

// appendMessageField writes a nested message as a length-delimited field.
func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, msg)
	return b
}
