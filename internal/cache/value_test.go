package cache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueEqualityUsesSerializedDocument(t *testing.T) {
	a := NewValue(map[string]any{"b": 1, "a": "x"}).WithTimestamp(100)
	b := NewValue(map[string]any{"a": "x", "b": 1}).WithTimestamp(200)
	c := NewValue(map[string]any{"a": "y"})

	assert.True(t, a.Equal(b), "key order and timestamp must not matter")
	assert.False(t, a.Equal(c))
}

func TestObjectValue(t *testing.T) {
	type session struct{ id string }
	s := &session{id: "s1"}
	v := ObjectValue(s)

	assert.True(t, v.IsObject())
	assert.Nil(t, v.Document())
	assert.Same(t, s, v.Object())
	assert.Equal(t, "null", string(v.Bytes()))

	_, err := json.Marshal(v)
	assert.ErrorIs(t, err, ErrOpaqueValue)
}

func TestValueJSON(t *testing.T) {
	v := NewValue(map[string]any{"text": "hello"}).WithTimestamp(1700000000000)
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":{"text":"hello"},"timestamp":1700000000000}`, string(data))

	var back Value
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, v.Equal(back))
	assert.Equal(t, v.Timestamp, back.Timestamp)
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue([]byte(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, float64(1), v.Document()["n"])

	_, err = ParseValue([]byte(`[1]`))
	assert.Error(t, err)

	assert.NotNil(t, NewValue(nil).Document())
}
