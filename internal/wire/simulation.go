package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EnvironmentInfo describes the simulated world's static shape.
type EnvironmentInfo struct {
	Dimensions int32
	Shape      []int32
	Toroidal   []bool
}

const (
	envInfoFieldDimensions protowire.Number = 1
	envInfoFieldShape      protowire.Number = 2
	envInfoFieldToroidal   protowire.Number = 3
)

func (e *EnvironmentInfo) marshal() []byte {
	var b []byte
	if e.Dimensions != 0 {
		b = protowire.AppendTag(b, envInfoFieldDimensions, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Dimensions))
	}
	shape := make([]int64, len(e.Shape))
	for i, v := range e.Shape {
		shape[i] = int64(v)
	}
	b = appendPackedVarint(b, envInfoFieldShape, shape)
	b = appendPackedBool(b, envInfoFieldToroidal, e.Toroidal)
	return b
}

func unmarshalEnvironmentInfo(b []byte) (*EnvironmentInfo, error) {
	e := &EnvironmentInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: environment_info: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case envInfoFieldDimensions:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: environment_info: dimensions: %w", protowire.ParseError(m))
			}
			e.Dimensions = int32(v)
			b = b[m:]
		case envInfoFieldShape:
			vals, m, err := consumePackedVarint(b)
			if err != nil {
				return nil, fmt.Errorf("wire: environment_info: shape: %w", err)
			}
			e.Shape = make([]int32, len(vals))
			for i, v := range vals {
				e.Shape[i] = int32(v)
			}
			b = b[m:]
		case envInfoFieldToroidal:
			vals, m, err := consumePackedBool(b)
			if err != nil {
				return nil, fmt.Errorf("wire: environment_info: toroidal: %w", err)
			}
			e.Toroidal = vals
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("wire: environment_info: bad field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return e, nil
}

// SimulationMetadata is the run-level metadata blob at {runId}/metadata.pb.
type SimulationMetadata struct {
	SimulationRunID string
	Environment     *EnvironmentInfo
	StartTimeMs     int64
	InitialSeed     int64
}

const (
	simFieldRunID       protowire.Number = 1
	simFieldEnvironment protowire.Number = 2
	simFieldStartTime   protowire.Number = 3
	simFieldSeed        protowire.Number = 4
)

func (m *SimulationMetadata) TypeName() string { return "evochora.pipeline.SimulationMetadata" }

func (m *SimulationMetadata) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, simFieldRunID, protowire.BytesType)
	b = protowire.AppendString(b, m.SimulationRunID)
	if m.Environment != nil {
		b = appendMessageField(b, simFieldEnvironment, m.Environment.marshal())
	}
	b = protowire.AppendTag(b, simFieldStartTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.StartTimeMs))
	b = protowire.AppendTag(b, simFieldSeed, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.InitialSeed))
	return b
}

func UnmarshalSimulationMetadata(b []byte) (*SimulationMetadata, error) {
	m := &SimulationMetadata{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: simulation_metadata: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case simFieldRunID:
			v, m2 := protowire.ConsumeString(b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: simulation_metadata: run_id: %w", protowire.ParseError(m2))
			}
			m.SimulationRunID = v
			b = b[m2:]
		case simFieldEnvironment:
			v, m2 := protowire.ConsumeBytes(b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: simulation_metadata: environment: %w", protowire.ParseError(m2))
			}
			env, err := unmarshalEnvironmentInfo(v)
			if err != nil {
				return nil, err
			}
			m.Environment = env
			b = b[m2:]
		case simFieldStartTime:
			v, m2 := protowire.ConsumeVarint(b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: simulation_metadata: start_time_ms: %w", protowire.ParseError(m2))
			}
			m.StartTimeMs = int64(v)
			b = b[m2:]
		case simFieldSeed:
			v, m2 := protowire.ConsumeVarint(b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: simulation_metadata: initial_seed: %w", protowire.ParseError(m2))
			}
			m.InitialSeed = int64(v)
			b = b[m2:]
		default:
			m2 := protowire.ConsumeFieldValue(num, typ, b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: simulation_metadata: bad field %d: %w", num, protowire.ParseError(m2))
			}
			b = b[m2:]
		}
	}
	return m, nil
}
