package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Record is a row as it travels between the remote service, the local store
// and the queue. Rows keep columns the client does not model, and UPDATE
// payloads may be partial, so the untyped form is the wire format.
type Record map[string]interface{}

// ID returns the record's primary key as a string, or "" when absent.
func (r Record) ID() string {
	return r.String("id")
}

// String returns field as a string. Numbers are formatted without exponent.
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Without returns a copy with the given keys removed.
func (r Record) Without(keys ...string) Record {
	out := r.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Merge returns a copy of r with the top-level keys of changes applied.
// Nested objects are replaced, not merged.
func (r Record) Merge(changes Record) Record {
	out := r.Clone()
	for k, v := range changes {
		out[k] = v
	}
	return out
}

// ToRecord converts a typed entity into a Record through its JSON form.
func ToRecord(v interface{}) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

// Decode fills the typed entity v from r.
func (r Record) Decode(v interface{}) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode record into %T: %w", v, err)
	}
	return nil
}

// DecodeRecords decodes a slice of records into typed entities.
func DecodeRecords[T any](records []Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, r := range records {
		var v T
		if err := r.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
