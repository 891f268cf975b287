package cache

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ErrOpaqueValue is returned when an in-process object value would have to
// leave the process, e.g. be written to Redis or PostgreSQL.
var ErrOpaqueValue = errors.New("cache: opaque object value cannot be serialized")

// Value is either a structured document or an opaque in-process object,
// plus a timestamp in Unix milliseconds (0 means unset).
//
// Opaque objects let a transaction hand non-serializable state between its
// caller and callee. They never cross a process boundary.
type Value struct {
	doc       map[string]any
	object    any
	Timestamp int64
}

// NewValue wraps a structured document.
func NewValue(doc map[string]any) Value {
	if doc == nil {
		doc = map[string]any{}
	}
	return Value{doc: doc}
}

// ObjectValue wraps an opaque in-process object.
func ObjectValue(obj any) Value {
	return Value{object: obj}
}

// ParseValue decodes a JSON object into a structured value.
func ParseValue(data []byte) (Value, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Value{}, err
	}
	return NewValue(doc), nil
}

// WithTimestamp returns a copy of v stamped with ms.
func (v Value) WithTimestamp(ms int64) Value {
	v.Timestamp = ms
	return v
}

// Document returns the structured document, or nil for opaque values.
func (v Value) Document() map[string]any { return v.doc }

// Object returns the opaque object, or nil for structured values.
func (v Value) Object() any { return v.object }

// IsObject reports whether v carries an opaque object.
func (v Value) IsObject() bool { return v.doc == nil && v.object != nil }

// Bytes returns the canonical JSON of the document. Map keys are sorted by
// encoding/json, so equal documents serialize identically. Opaque values
// serialize as null.
func (v Value) Bytes() []byte {
	if v.doc == nil {
		return []byte("null")
	}
	data, err := json.Marshal(v.doc)
	if err != nil {
		return []byte("null")
	}
	return data
}

// Equal compares the serialized documents only. Timestamps and opaque
// objects do not take part.
func (v Value) Equal(o Value) bool {
	return bytes.Equal(v.Bytes(), o.Bytes())
}

type wireValue struct {
	Value     map[string]any `json:"value"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// MarshalJSON encodes {"value": doc, "timestamp": ms}.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsObject() {
		return nil, ErrOpaqueValue
	}
	return json.Marshal(wireValue{Value: v.doc, Timestamp: v.Timestamp})
}

// UnmarshalJSON decodes the MarshalJSON form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*v = NewValue(w.Value).WithTimestamp(w.Timestamp)
	return nil
}
