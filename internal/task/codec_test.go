package task

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

// TestEncodeDecodeRoundTrip verifies a record survives the canonical codec
func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := New("owner-1", "tools/call")
	r.Stamp(time.UnixMilli(1700000000000), time.Hour)
	r.Variables = map[string]json.RawMessage{
		"step":  json.RawMessage(`"1"`),
		"count": json.RawMessage(`42`),
	}
	r.Result = json.RawMessage(`{"ok":true}`)
	r.Version = 3

	data, err := Encode(r)
	if err != nil {
		t.Fatalf("Failed to encode record: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}

	if decoded.ID != r.ID || decoded.OwnerID != r.OwnerID {
		t.Error("Identity fields did not survive the round trip")
	}
	if decoded.Status != r.Status || decoded.Version != r.Version {
		t.Error("Status or version did not survive the round trip")
	}
	if decoded.CreatedAt != r.CreatedAt || decoded.ExpiresAt != r.ExpiresAt {
		t.Error("Timestamps did not survive the round trip")
	}
	if string(decoded.Variables["step"]) != `"1"` {
		t.Errorf("Variable step = %s, want \"1\"", decoded.Variables["step"])
	}
	if string(decoded.Result) != `{"ok":true}` {
		t.Errorf("Result = %s, want {\"ok\":true}", decoded.Result)
	}
}

// TestEncodeDeterministic verifies two equivalent records produce identical
// bytes, including map key ordering
func TestEncodeDeterministic(t *testing.T) {
	build := func() *Record {
		r := &Record{
			ID:      "fixed-id",
			OwnerID: "owner-1",
			Status:  StatusWorking,
			Variables: map[string]json.RawMessage{
				"zebra": json.RawMessage(`1`),
				"alpha": json.RawMessage(`2`),
				"mid":   json.RawMessage(`"x"`),
			},
			CreatedAt: 1700000000000,
			ExpiresAt: 1700003600000,
		}
		return r
	}

	a, err := Encode(build())
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	for i := 0; i < 20; i++ {
		b, err := Encode(build())
		if err != nil {
			t.Fatalf("Failed to encode: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("Encoding is not deterministic:\n%s\n%s", a, b)
		}
	}
}

// TestEncodeInvalidRecord verifies encoding rejects nil and ID-less records
func TestEncodeInvalidRecord(t *testing.T) {
	if _, err := Encode(nil); err == nil {
		t.Error("Expected error encoding nil record")
	}
	if _, err := Encode(&Record{}); err == nil {
		t.Error("Expected error encoding record without ID")
	}
}

// TestDecodeCorruptData verifies decode surfaces malformed payloads
func TestDecodeCorruptData(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Error("Expected error decoding corrupt payload")
	}
}

// TestIsNull verifies null detection used by the merge
func TestIsNull(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"null", true},
		{"  null ", true},
		{"", true},
		{"0", false},
		{`""`, false},
		{"false", false},
		{`{"a":null}`, false},
	}
	for _, tc := range tests {
		if got := IsNull(json.RawMessage(tc.raw)); got != tc.want {
			t.Errorf("IsNull(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

// TestMergeVariables verifies null-deletes, upserts and untouched keys
func TestMergeVariables(t *testing.T) {
	vars := MergeVariables(nil, map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
	})
	if string(vars["a"]) != "1" {
		t.Fatalf("Expected a=1 after first merge, got %s", vars["a"])
	}

	vars = MergeVariables(vars, map[string]json.RawMessage{
		"a": json.RawMessage(`null`),
		"b": json.RawMessage(`2`),
	})
	if _, ok := vars["a"]; ok {
		t.Error("Expected a to be deleted by null")
	}
	if string(vars["b"]) != "2" {
		t.Errorf("Expected b=2, got %s", vars["b"])
	}
	if len(vars) != 1 {
		t.Errorf("Expected exactly one key, got %d", len(vars))
	}
}

// TestMergeVariablesCompactsValues verifies whitespace padding never reaches
// the stored form, so equal logical values store equal bytes
func TestMergeVariablesCompactsValues(t *testing.T) {
	vars := MergeVariables(nil, map[string]json.RawMessage{
		"obj": json.RawMessage(" {\n  \"a\": 1 ,\t\"b\": [ 1, 2 ]\n} "),
		"str": json.RawMessage(`   "padded"   `),
	})
	if string(vars["obj"]) != `{"a":1,"b":[1,2]}` {
		t.Errorf("Expected compacted object, got %q", vars["obj"])
	}
	if string(vars["str"]) != `"padded"` {
		t.Errorf("Expected compacted string, got %q", vars["str"])
	}
}

// TestCompact verifies compaction and the malformed-input passthrough
func TestCompact(t *testing.T) {
	if got := Compact(json.RawMessage(` [ 1 , 2 ] `)); string(got) != "[1,2]" {
		t.Errorf("Compact([ 1 , 2 ]) = %q, want [1,2]", got)
	}
	// Malformed input passes through untouched; the codec rejects it later.
	if got := Compact(json.RawMessage("{broken")); string(got) != "{broken" {
		t.Errorf("Expected malformed input unchanged, got %q", got)
	}
	if got := Compact(nil); got != nil {
		t.Errorf("Expected nil in, nil out, got %q", got)
	}
}

// TestMergeVariablesDeleteIdempotent verifies deleting a missing key is a no-op
func TestMergeVariablesDeleteIdempotent(t *testing.T) {
	vars := map[string]json.RawMessage{"keep": json.RawMessage(`true`)}
	vars = MergeVariables(vars, map[string]json.RawMessage{
		"gone": json.RawMessage(`null`),
	})
	vars = MergeVariables(vars, map[string]json.RawMessage{
		"gone": json.RawMessage(`null`),
	})
	if len(vars) != 1 || string(vars["keep"]) != "true" {
		t.Errorf("Expected only keep=true to remain, got %v", vars)
	}
}

// TestMergeVariablesEmptyResult verifies a map drained by deletes becomes nil
func TestMergeVariablesEmptyResult(t *testing.T) {
	vars := map[string]json.RawMessage{"a": json.RawMessage(`1`)}
	vars = MergeVariables(vars, map[string]json.RawMessage{
		"a": json.RawMessage(`null`),
	})
	if vars != nil {
		t.Errorf("Expected nil map after draining, got %v", vars)
	}
}

// TestMergeVariablesEmptyPatch verifies an empty patch changes nothing
func TestMergeVariablesEmptyPatch(t *testing.T) {
	orig := map[string]json.RawMessage{"a": json.RawMessage(`1`)}
	got := MergeVariables(orig, nil)
	if len(got) != 1 || string(got["a"]) != "1" {
		t.Errorf("Expected variables unchanged, got %v", got)
	}
}
