package storage

import (
	"errors"
	"math"
	"testing"

	"regkit/internal/model"
)

func TestVectorEncodingPreservesBits(t *testing.T) {
	input := []float64{0, -0.5, math.Pi, math.Inf(1), math.SmallestNonzeroFloat64}
	data := EncodeVector(input)
	if len(data) != 8*len(input) {
		t.Fatalf("unexpected blob size %d", len(data))
	}
	output, err := DecodeVector(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range input {
		if math.Float64bits(input[i]) != math.Float64bits(output[i]) {
			t.Fatalf("component %d: got %v want %v", i, output[i], input[i])
		}
	}

	if _, err := DecodeVector(data[:7]); !errors.Is(err, ErrCorruptVector) {
		t.Fatalf("expected corrupt vector error, got %v", err)
	}
}

func TestEncodeLevelDropsParams(t *testing.T) {
	record := levelRecord("run-1", 0)
	record.Result.Params = []float64{1, 2}
	data, err := EncodeLevel(record)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeLevel(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Result.Params != nil || len(decoded.Result.Records) != 2 {
		t.Fatalf("unexpected level: %+v", decoded.Result)
	}
	if record.Result.Params == nil {
		t.Fatal("encode must not mutate the caller's record")
	}
}

func TestDecodeRunChecksVersion(t *testing.T) {
	data, err := EncodeRun(model.RunRecord{ID: "r", VersionedRecord: model.VersionedRecord{SchemaVersion: 9, CodecVersion: 1}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeRun(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}
