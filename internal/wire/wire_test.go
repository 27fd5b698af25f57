package wire

import (
	"reflect"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	info := &BatchInfo{
		SimulationRunID: "20260729120000000000-abcd",
		StorageKey:      "batch_0000000001_0000000100.pb",
		TickStart:       1,
		TickEnd:         100,
		WrittenAtMs:     1722254400000,
	}
	env := NewEnvelope("msg-1", 1722254400000, info)

	decoded, err := UnmarshalEnvelope(env.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if decoded.MessageID != "msg-1" {
		t.Fatalf("message_id = %q, want msg-1", decoded.MessageID)
	}
	if decoded.Timestamp != 1722254400000 {
		t.Fatalf("timestamp = %d, want 1722254400000", decoded.Timestamp)
	}
	if decoded.Payload.TypeName() != "evochora.pipeline.BatchInfo" {
		t.Fatalf("type name = %q", decoded.Payload.TypeName())
	}

	roundTripped, err := UnmarshalBatchInfo(decoded.Payload.Value)
	if err != nil {
		t.Fatalf("UnmarshalBatchInfo: %v", err)
	}
	if !reflect.DeepEqual(roundTripped, info) {
		t.Fatalf("batch_info round trip mismatch: got %+v, want %+v", roundTripped, info)
	}
}

func TestAnyTypeNameAcceptsAnyPrefix(t *testing.T) {
	cases := []struct {
		typeURL string
		want    string
	}{
		{"type.googleapis.com/evochora.pipeline.BatchInfo", "evochora.pipeline.BatchInfo"},
		{"custom.authority/evochora.pipeline.BatchInfo", "evochora.pipeline.BatchInfo"},
		{"evochora.pipeline.BatchInfo", "evochora.pipeline.BatchInfo"},
		{"a/b/c", "b/c"},
	}
	for _, c := range cases {
		a := &Any{TypeURL: c.typeURL}
		if got := a.TypeName(); got != c.want {
			t.Errorf("TypeName(%q) = %q, want %q", c.typeURL, got, c.want)
		}
	}
}

func TestBatchInfoValidateRejectsInvertedRange(t *testing.T) {
	info := &BatchInfo{TickStart: 10, TickEnd: 5}
	if err := info.Validate(); err == nil {
		t.Fatal("expected Validate to reject tick_start > tick_end")
	}
}

func TestBatchInfoValidateAcceptsEqualBounds(t *testing.T) {
	info := &BatchInfo{TickStart: 5, TickEnd: 5}
	if err := info.Validate(); err != nil {
		t.Fatalf("expected a single-tick batch to validate, got %v", err)
	}
}

func TestMetadataInfoRoundTrip(t *testing.T) {
	m := &MetadataInfo{SimulationRunID: "run-1", StorageKey: "metadata.pb", WrittenAtMs: 42}
	got, err := UnmarshalMetadataInfo(m.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalMetadataInfo: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Fatalf("metadata_info round trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestOrganismStateRoundTripViaTickData(t *testing.T) {
	org := &OrganismState{
		OrganismID:           7,
		ParentID:             3,
		BirthTick:            100,
		ProgramID:            "prog-a",
		Energy:               500,
		IP:                   Vector{1, 2, 3},
		DV:                   Vector{0, 1},
		DataPointers:         []Vector{{1, 1}, {2, 2}},
		ActiveDpIndex:        1,
		DataRegisters:        []int64{10, 20, 30},
		ProcedureRegisters:   []int64{1, 2},
		FormalParamRegisters: []int64{5},
		LocationRegisters:    []Vector{{9, 9}},
		DataStack:            []int64{1, 2, 3, 4},
		LocationStack:        []Vector{{0, 0}},
		CallStack:            []int64{100, 200},
		InstructionFailed:    true,
		FailureReason:        "division by zero",
		FailureCallStack:     []int64{1, 2, 3},
	}
	tick := &TickData{TickNumber: 55, Organisms: []*OrganismState{org}, EnvironmentState: []byte{1, 2, 3}}
	batch := &TickDataBatch{Ticks: []*TickData{tick}}

	got, err := UnmarshalTickDataBatch(batch.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalTickDataBatch: %v", err)
	}
	if len(got.Ticks) != 1 {
		t.Fatalf("got %d ticks, want 1", len(got.Ticks))
	}
	if !reflect.DeepEqual(got.Ticks[0], tick) {
		t.Fatalf("tick round trip mismatch: got %+v, want %+v", got.Ticks[0], tick)
	}
}

func TestOrganismStateZeroValueRoundTrip(t *testing.T) {
	org := &OrganismState{}
	tick := &TickData{Organisms: []*OrganismState{org}}
	batch := &TickDataBatch{Ticks: []*TickData{tick}}

	got, err := UnmarshalTickDataBatch(batch.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalTickDataBatch: %v", err)
	}
	if got.Ticks[0].Organisms[0].InstructionFailed {
		t.Fatal("zero-value organism state should not decode instruction_failed as true")
	}
}

func TestMarshalRuntimeStateRoundTrip(t *testing.T) {
	org := &OrganismState{
		DataRegisters:     []int64{1, 2, 3},
		CallStack:         []int64{7, 8},
		InstructionFailed: true,
		FailureReason:     "out of energy",
	}
	blob := MarshalRuntimeState(org)
	got, err := UnmarshalRuntimeState(blob)
	if err != nil {
		t.Fatalf("UnmarshalRuntimeState: %v", err)
	}
	if !reflect.DeepEqual(got.DataRegisters, org.DataRegisters) {
		t.Fatalf("data_registers mismatch: got %v, want %v", got.DataRegisters, org.DataRegisters)
	}
	if got.InstructionFailed != true || got.FailureReason != "out of energy" {
		t.Fatalf("failure fields not preserved: %+v", got)
	}
	if got.OrganismID != 0 {
		t.Fatal("runtime state blob must not carry grid-critical fields")
	}
}

func TestEnvironmentInfoRoundTripViaSimulationMetadata(t *testing.T) {
	meta := &SimulationMetadata{
		SimulationRunID: "run-7",
		Environment: &EnvironmentInfo{
			Dimensions: 2,
			Shape:      []int32{100, 100},
			Toroidal:   []bool{true, false},
		},
		StartTimeMs: 1722254400000,
		InitialSeed: 12345,
	}
	got, err := UnmarshalSimulationMetadata(meta.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalSimulationMetadata: %v", err)
	}
	if !reflect.DeepEqual(got, meta) {
		t.Fatalf("simulation_metadata round trip mismatch: got %+v, want %+v", got, meta)
	}
}
