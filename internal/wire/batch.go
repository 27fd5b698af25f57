package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// BatchInfo announces a persisted, inclusive tick range blob.
type BatchInfo struct {
	SimulationRunID string
	StorageKey      string
	TickStart       int64
	TickEnd         int64
	WrittenAtMs     int64
}

const (
	batchFieldRunID      protowire.Number = 1
	batchFieldStorageKey protowire.Number = 2
	batchFieldTickStart  protowire.Number = 3
	batchFieldTickEnd    protowire.Number = 4
	batchFieldWrittenAt  protowire.Number = 5
)

func (m *BatchInfo) TypeName() string { return "evochora.pipeline.BatchInfo" }

func (m *BatchInfo) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, batchFieldRunID, protowire.BytesType)
	b = protowire.AppendString(b, m.SimulationRunID)
	b = protowire.AppendTag(b, batchFieldStorageKey, protowire.BytesType)
	b = protowire.AppendString(b, m.StorageKey)
	b = protowire.AppendTag(b, batchFieldTickStart, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.TickStart))
	b = protowire.AppendTag(b, batchFieldTickEnd, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.TickEnd))
	b = protowire.AppendTag(b, batchFieldWrittenAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.WrittenAtMs))
	return b
}

func UnmarshalBatchInfo(b []byte) (*BatchInfo, error) {
	m := &BatchInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: batch_info: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case batchFieldRunID:
			v, m2 := protowire.ConsumeString(b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: batch_info: run_id: %w", protowire.ParseError(m2))
			}
			m.SimulationRunID = v
			b = b[m2:]
		case batchFieldStorageKey:
			v, m2 := protowire.ConsumeString(b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: batch_info: storage_key: %w", protowire.ParseError(m2))
			}
			m.StorageKey = v
			b = b[m2:]
		case batchFieldTickStart:
			v, m2 := protowire.ConsumeVarint(b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: batch_info: tick_start: %w", protowire.ParseError(m2))
			}
			m.TickStart = int64(v)
			b = b[m2:]
		case batchFieldTickEnd:
			v, m2 := protowire.ConsumeVarint(b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: batch_info: tick_end: %w", protowire.ParseError(m2))
			}
			m.TickEnd = int64(v)
			b = b[m2:]
		case batchFieldWrittenAt:
			v, m2 := protowire.ConsumeVarint(b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: batch_info: written_at_ms: %w", protowire.ParseError(m2))
			}
			m.WrittenAtMs = int64(v)
			b = b[m2:]
		default:
			m2 := protowire.ConsumeFieldValue(num, typ, b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: batch_info: bad field %d: %w", num, protowire.ParseError(m2))
			}
			b = b[m2:]
		}
	}
	return m, nil
}

// Validate enforces tick_start <= tick_end (spec.md §3 BatchInfo invariant).
func (m *BatchInfo) Validate() error {
	if m.TickStart > m.TickEnd {
		return fmt.Errorf("wire: batch_info: tick_start %d > tick_end %d", m.TickStart, m.TickEnd)
	}
	return nil
}

// MetadataInfo announces a persisted run metadata blob.
type MetadataInfo struct {
	SimulationRunID string
	StorageKey      string
	WrittenAtMs     int64
}

const (
	metaFieldRunID      protowire.Number = 1
	metaFieldStorageKey protowire.Number = 2
	metaFieldWrittenAt  protowire.Number = 3
)

func (m *MetadataInfo) TypeName() string { return "evochora.pipeline.MetadataInfo" }

func (m *MetadataInfo) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, metaFieldRunID, protowire.BytesType)
	b = protowire.AppendString(b, m.SimulationRunID)
	b = protowire.AppendTag(b, metaFieldStorageKey, protowire.BytesType)
	b = protowire.AppendString(b, m.StorageKey)
	b = protowire.AppendTag(b, metaFieldWrittenAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.WrittenAtMs))
	return b
}

func UnmarshalMetadataInfo(b []byte) (*MetadataInfo, error) {
	m := &MetadataInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: metadata_info: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case metaFieldRunID:
			v, m2 := protowire.ConsumeString(b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: metadata_info: run_id: %w", protowire.ParseError(m2))
			}
			m.SimulationRunID = v
			b = b[m2:]
		case metaFieldStorageKey:
			v, m2 := protowire.ConsumeString(b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: metadata_info: storage_key: %w", protowire.ParseError(m2))
			}
			m.StorageKey = v
			b = b[m2:]
		case metaFieldWrittenAt:
			v, m2 := protowire.ConsumeVarint(b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: metadata_info: written_at_ms: %w", protowire.ParseError(m2))
			}
			m.WrittenAtMs = int64(v)
			b = b[m2:]
		default:
			m2 := protowire.ConsumeFieldValue(num, typ, b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: metadata_info: bad field %d: %w", num, protowire.ParseError(m2))
			}
			b = b[m2:]
		}
	}
	return m, nil
}
