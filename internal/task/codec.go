package task

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode serializes a record into its canonical byte form.
//
// Canonical here means: struct fields in declaration order, map keys sorted
// (encoding/json sorts string map keys), timestamps as integer milliseconds,
// and raw JSON values carried through verbatim. The same logical record
// encodes to the same bytes on every backend, which is what lets the
// conformance suite diff raw backend contents.
func Encode(r *Record) ([]byte, error) {
	if r == nil || r.ID == "" {
		return nil, fmt.Errorf("invalid record")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

// Decode deserializes canonical bytes back into a record.
func Decode(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &r, nil
}

// jsonNull matches a literal JSON null after whitespace trimming.
var jsonNull = []byte("null")

// IsNull reports whether a raw value is the JSON null literal (or absent
// entirely), which the merge treats as a deletion marker.
func IsNull(v json.RawMessage) bool {
	return len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), jsonNull)
}

// Compact returns the value with insignificant whitespace removed, which is
// the form the canonical encoding stores. Malformed input comes back
// unchanged; Encode rejects it later.
func Compact(v json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return append(json.RawMessage(nil), v...)
	}
	return buf.Bytes()
}

// MergeVariables applies a patch to a variable map: a null value deletes the
// key, any other value inserts or overwrites it, and keys not mentioned in
// the patch are left untouched. Upserted values are compacted so equal
// logical values always store equal bytes. The (possibly newly allocated)
// map is returned.
func MergeVariables(vars, patch map[string]json.RawMessage) map[string]json.RawMessage {
	if len(patch) == 0 {
		return vars
	}
	if vars == nil {
		vars = make(map[string]json.RawMessage, len(patch))
	}
	for k, v := range patch {
		if IsNull(v) {
			delete(vars, k)
			continue
		}
		vars[k] = Compact(v)
	}
	if len(vars) == 0 {
		return nil
	}
	return vars
}
