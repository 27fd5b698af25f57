package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Vector is an n-dimensional grid coordinate or direction, encoded as a
// packed repeated int32 field.
type Vector []int32

func (v Vector) marshalField(num protowire.Number) func(b []byte) []byte {
	return func(b []byte) []byte {
		vals := make([]int64, len(v))
		for i, c := range v {
			vals[i] = int64(c)
		}
		return appendPackedVarint(b, num, vals)
	}
}

// OrganismState is the wire form of one organism's full runtime state for a
// single tick, carried inside TickData. The persistence indexer splits this
// into dedicated columns (energy, ip, dv, data_pointers, active_dp_index) and
// a single codec-wrapped runtime_state_blob for everything else.
type OrganismState struct {
	OrganismID           int64
	ParentID             int64
	BirthTick            int64
	ProgramID            string
	Energy               int64
	IP                   Vector
	DV                   Vector
	DataPointers         []Vector
	ActiveDpIndex        int32
	DataRegisters        []int64
	ProcedureRegisters   []int64
	FormalParamRegisters []int64
	LocationRegisters    []Vector
	DataStack            []int64
	LocationStack        []Vector
	CallStack            []int64
	InstructionFailed    bool
	FailureReason        string
	FailureCallStack     []int64
}

const (
	osFieldOrganismID           protowire.Number = 1
	osFieldParentID             protowire.Number = 2
	osFieldBirthTick            protowire.Number = 3
	osFieldProgramID            protowire.Number = 4
	osFieldEnergy               protowire.Number = 5
	osFieldIP                   protowire.Number = 6
	osFieldDV                   protowire.Number = 7
	osFieldDataPointers         protowire.Number = 8
	osFieldActiveDpIndex        protowire.Number = 9
	osFieldDataRegisters        protowire.Number = 10
	osFieldProcedureRegisters   protowire.Number = 11
	osFieldFormalParamRegisters protowire.Number = 12
	osFieldLocationRegisters    protowire.Number = 13
	osFieldDataStack            protowire.Number = 14
	osFieldLocationStack        protowire.Number = 15
	osFieldCallStack            protowire.Number = 16
	osFieldInstructionFailed    protowire.Number = 17
	osFieldFailureReason        protowire.Number = 18
	osFieldFailureCallStack     protowire.Number = 19
)

func (o *OrganismState) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, osFieldOrganismID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(o.OrganismID))
	if o.ParentID != 0 {
		b = protowire.AppendTag(b, osFieldParentID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(o.ParentID))
	}
	b = protowire.AppendTag(b, osFieldBirthTick, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(o.BirthTick))
	if o.ProgramID != "" {
		b = protowire.AppendTag(b, osFieldProgramID, protowire.BytesType)
		b = protowire.AppendString(b, o.ProgramID)
	}
	b = protowire.AppendTag(b, osFieldEnergy, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(o.Energy))
	b = o.IP.marshalField(osFieldIP)(b)
	b = o.DV.marshalField(osFieldDV)(b)
	for _, dp := range o.DataPointers {
		b = appendMessageField(b, osFieldDataPointers, packVector(dp))
	}
	if o.ActiveDpIndex != 0 {
		b = protowire.AppendTag(b, osFieldActiveDpIndex, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(o.ActiveDpIndex))
	}
	b = appendPackedVarint(b, osFieldDataRegisters, o.DataRegisters)
	b = appendPackedVarint(b, osFieldProcedureRegisters, o.ProcedureRegisters)
	b = appendPackedVarint(b, osFieldFormalParamRegisters, o.FormalParamRegisters)
	for _, lr := range o.LocationRegisters {
		b = appendMessageField(b, osFieldLocationRegisters, packVector(lr))
	}
	b = appendPackedVarint(b, osFieldDataStack, o.DataStack)
	for _, ls := range o.LocationStack {
		b = appendMessageField(b, osFieldLocationStack, packVector(ls))
	}
	b = appendPackedVarint(b, osFieldCallStack, o.CallStack)
	if o.InstructionFailed {
		b = protowire.AppendTag(b, osFieldInstructionFailed, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if o.FailureReason != "" {
		b = protowire.AppendTag(b, osFieldFailureReason, protowire.BytesType)
		b = protowire.AppendString(b, o.FailureReason)
	}
	b = appendPackedVarint(b, osFieldFailureCallStack, o.FailureCallStack)
	return b
}

func packVector(v Vector) []byte {
	vals := make([]int64, len(v))
	for i, c := range v {
		vals[i] = int64(c)
	}
	var inner []byte
	for _, x := range vals {
		inner = protowire.AppendVarint(inner, uint64(x))
	}
	return inner
}

func unpackVector(b []byte) (Vector, error) {
	var out Vector
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: vector: %w", protowire.ParseError(n))
		}
		out = append(out, int32(v))
		b = b[n:]
	}
	return out, nil
}

func unmarshalOrganismState(b []byte) (*OrganismState, error) {
	o := &OrganismState{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: organism_state: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case osFieldOrganismID:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: organism_state: organism_id: %w", protowire.ParseError(m))
			}
			o.OrganismID = int64(v)
			b = b[m:]
		case osFieldParentID:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: organism_state: parent_id: %w", protowire.ParseError(m))
			}
			o.ParentID = int64(v)
			b = b[m:]
		case osFieldBirthTick:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: organism_state: birth_tick: %w", protowire.ParseError(m))
			}
			o.BirthTick = int64(v)
			b = b[m:]
		case osFieldProgramID:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: organism_state: program_id: %w", protowire.ParseError(m))
			}
			o.ProgramID = v
			b = b[m:]
		case osFieldEnergy:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: organism_state: energy: %w", protowire.ParseError(m))
			}
			o.Energy = int64(v)
			b = b[m:]
		case osFieldIP:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: organism_state: ip: %w", protowire.ParseError(m))
			}
			vec, err := unpackVector(v)
			if err != nil {
				return nil, err
			}
			o.IP = vec
			b = b[m:]
		case osFieldDV:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: organism_state: dv: %w", protowire.ParseError(m))
			}
			vec, err := unpackVector(v)
			if err != nil {
				return nil, err
			}
			o.DV = vec
			b = b[m:]
		case osFieldDataPointers:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: organism_state: data_pointers: %w", protowire.ParseError(m))
			}
			vec, err := unpackVector(v)
			if err != nil {
				return nil, err
			}
			o.DataPointers = append(o.DataPointers, vec)
			b = b[m:]
		case osFieldActiveDpIndex:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: organism_state: active_dp_index: %w", protowire.ParseError(m))
			}
			o.ActiveDpIndex = int32(v)
			b = b[m:]
		case osFieldDataRegisters:
			vals, m, err := consumePackedVarint(b)
			if err != nil {
				return nil, fmt.Errorf("wire: organism_state: data_registers: %w", err)
			}
			o.DataRegisters = vals
			b = b[m:]
		case osFieldProcedureRegisters:
			vals, m, err := consumePackedVarint(b)
			if err != nil {
				return nil, fmt.Errorf("wire: organism_state: procedure_registers: %w", err)
			}
			o.ProcedureRegisters = vals
			b = b[m:]
		case osFieldFormalParamRegisters:
			vals, m, err := consumePackedVarint(b)
			if err != nil {
				return nil, fmt.Errorf("wire: organism_state: formal_param_registers: %w", err)
			}
			o.FormalParamRegisters = vals
			b = b[m:]
		case osFieldLocationRegisters:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: organism_state: location_registers: %w", protowire.ParseError(m))
			}
			vec, err := unpackVector(v)
			if err != nil {
				return nil, err
			}
			o.LocationRegisters = append(o.LocationRegisters, vec)
			b = b[m:]
		case osFieldDataStack:
			vals, m, err := consumePackedVarint(b)
			if err != nil {
				return nil, fmt.Errorf("wire: organism_state: data_stack: %w", err)
			}
			o.DataStack = vals
			b = b[m:]
		case osFieldLocationStack:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: organism_state: location_stack: %w", protowire.ParseError(m))
			}
			vec, err := unpackVector(v)
			if err != nil {
				return nil, err
			}
			o.LocationStack = append(o.LocationStack, vec)
			b = b[m:]
		case osFieldCallStack:
			vals, m, err := consumePackedVarint(b)
			if err != nil {
				return nil, fmt.Errorf("wire: organism_state: call_stack: %w", err)
			}
			o.CallStack = vals
			b = b[m:]
		case osFieldInstructionFailed:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: organism_state: instruction_failed: %w", protowire.ParseError(m))
			}
			o.InstructionFailed = v != 0
			b = b[m:]
		case osFieldFailureReason:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: organism_state: failure_reason: %w", protowire.ParseError(m))
			}
			o.FailureReason = v
			b = b[m:]
		case osFieldFailureCallStack:
			vals, m, err := consumePackedVarint(b)
			if err != nil {
				return nil, fmt.Errorf("wire: organism_state: failure_call_stack: %w", err)
			}
			o.FailureCallStack = vals
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("wire: organism_state: bad field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return o, nil
}

// TickData carries one simulated tick's full organism population plus an
// opaque, codec-wrapped environment snapshot.
type TickData struct {
	TickNumber       int64
	Organisms        []*OrganismState
	EnvironmentState []byte
}

const (
	tdFieldTickNumber  protowire.Number = 1
	tdFieldOrganisms   protowire.Number = 2
	tdFieldEnvironment protowire.Number = 3
)

func (t *TickData) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, tdFieldTickNumber, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.TickNumber))
	for _, o := range t.Organisms {
		b = appendMessageField(b, tdFieldOrganisms, o.marshal())
	}
	b = appendBytesField(b, tdFieldEnvironment, t.EnvironmentState)
	return b
}

func unmarshalTickData(b []byte) (*TickData, error) {
	t := &TickData{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: tick_data: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case tdFieldTickNumber:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: tick_data: tick_number: %w", protowire.ParseError(m))
			}
			t.TickNumber = int64(v)
			b = b[m:]
		case tdFieldOrganisms:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: tick_data: organisms: %w", protowire.ParseError(m))
			}
			org, err := unmarshalOrganismState(v)
			if err != nil {
				return nil, err
			}
			t.Organisms = append(t.Organisms, org)
			b = b[m:]
		case tdFieldEnvironment:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("wire: tick_data: environment_state: %w", protowire.ParseError(m))
			}
			t.EnvironmentState = append([]byte(nil), v...)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, fmt.Errorf("wire: tick_data: bad field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return t, nil
}

// TickDataBatch is the payload stored at runId/batch_<start>_<end>.pb.
type TickDataBatch struct {
	Ticks []*TickData
}

const tdbFieldTicks protowire.Number = 1

func (m *TickDataBatch) TypeName() string { return "evochora.pipeline.TickDataBatch" }

func (m *TickDataBatch) Marshal() []byte {
	var b []byte
	for _, t := range m.Ticks {
		b = appendMessageField(b, tdbFieldTicks, t.marshal())
	}
	return b
}

func UnmarshalTickDataBatch(b []byte) (*TickDataBatch, error) {
	m := &TickDataBatch{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: tick_data_batch: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case tdbFieldTicks:
			v, m2 := protowire.ConsumeBytes(b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: tick_data_batch: ticks: %w", protowire.ParseError(m2))
			}
			td, err := unmarshalTickData(v)
			if err != nil {
				return nil, err
			}
			m.Ticks = append(m.Ticks, td)
			b = b[m2:]
		default:
			m2 := protowire.ConsumeFieldValue(num, typ, b)
			if m2 < 0 {
				return nil, fmt.Errorf("wire: tick_data_batch: bad field %d: %w", num, protowire.ParseError(m2))
			}
			b = b[m2:]
		}
	}
	return m, nil
}

// MarshalRuntimeState encodes only the non-grid fields of o (register
// banks, stacks, failure info) using the same field numbers as
// OrganismState, for use as the content of a codec-wrapped
// runtime_state_blob column. The grid-critical fields (organism_id,
// parent_id, birth_tick, program_id, energy, ip, dv, data_pointers,
// active_dp_index) are stored as dedicated columns instead and must not be
// passed in o.
func MarshalRuntimeState(o *OrganismState) []byte {
	var b []byte
	b = appendPackedVarint(b, osFieldDataRegisters, o.DataRegisters)
	b = appendPackedVarint(b, osFieldProcedureRegisters, o.ProcedureRegisters)
	b = appendPackedVarint(b, osFieldFormalParamRegisters, o.FormalParamRegisters)
	for _, lr := range o.LocationRegisters {
		b = appendMessageField(b, osFieldLocationRegisters, packVector(lr))
	}
	b = appendPackedVarint(b, osFieldDataStack, o.DataStack)
	for _, ls := range o.LocationStack {
		b = appendMessageField(b, osFieldLocationStack, packVector(ls))
	}
	b = appendPackedVarint(b, osFieldCallStack, o.CallStack)
	if o.InstructionFailed {
		b = protowire.AppendTag(b, osFieldInstructionFailed, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if o.FailureReason != "" {
		b = protowire.AppendTag(b, osFieldFailureReason, protowire.BytesType)
		b = protowire.AppendString(b, o.FailureReason)
	}
	b = appendPackedVarint(b, osFieldFailureCallStack, o.FailureCallStack)
	return b
}

// UnmarshalRuntimeState decodes a blob written by MarshalRuntimeState back
// into the non-grid fields of an OrganismState.
func UnmarshalRuntimeState(b []byte) (*OrganismState, error) {
	full, err := unmarshalOrganismState(b)
	if err != nil {
		return nil, fmt.Errorf("wire: runtime_state_blob: %w", err)
	}
	return full, nil
}
