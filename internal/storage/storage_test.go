package storage

import "testing"

func TestMetadataKey(t *testing.T) {
	if got, want := MetadataKey("run-1"), "run-1/metadata.pb"; got != want {
		t.Fatalf("MetadataKey = %q, want %q", got, want)
	}
}

func TestBatchKeyZeroPadsTo10Digits(t *testing.T) {
	got := BatchKey("run-1", 1, 100)
	want := "run-1/batch_0000000001_0000000100.pb"
	if got != want {
		t.Fatalf("BatchKey = %q, want %q", got, want)
	}
}

func TestBatchKeyWidePastTenDigitsIsNotTruncated(t *testing.T) {
	got := BatchKey("run-1", 12345678901, 12345678999)
	want := "run-1/batch_12345678901_12345678999.pb"
	if got != want {
		t.Fatalf("BatchKey = %q, want %q", got, want)
	}
}
