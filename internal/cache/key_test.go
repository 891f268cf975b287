package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type userID struct{ n int }

func (u userID) String() string { return "user-" + string(rune('0'+u.n)) }

func TestStringAndIntegerKeysAreTheSameKey(t *testing.T) {
	assert.Equal(t, NewKey("42"), Int64Key(42))
	assert.True(t, NewKey("42") == Int64Key(42))

	m := map[Key]string{NewKey("42"): "a"}
	m[Int64Key(42)] = "b"
	assert.Len(t, m, 1)
	assert.Equal(t, "b", m[NewKey("42")])
}

func TestInt64KeyCanonicalForm(t *testing.T) {
	assert.Equal(t, Key("-7"), Int64Key(-7))
	assert.Equal(t, Key("0"), Int64Key(0))
	assert.NotEqual(t, NewKey("042"), Int64Key(42))

	n, ok := Int64Key(9223372036854775807).Int64()
	assert.True(t, ok)
	assert.Equal(t, int64(9223372036854775807), n)

	_, ok = NewKey("abc").Int64()
	assert.False(t, ok)
}

func TestKeyOf(t *testing.T) {
	for _, in := range []any{
		"42", Key("42"),
		int(42), int8(42), int16(42), int32(42), int64(42),
		uint(42), uint8(42), uint16(42), uint32(42), uint64(42),
	} {
		k, err := KeyOf(in)
		require.NoError(t, err)
		assert.Equal(t, Int64Key(42), k, "%T", in)
	}

	k, err := KeyOf(int8(-7))
	require.NoError(t, err)
	assert.Equal(t, Int64Key(-7), k)

	k, err = KeyOf(uint64(1<<63 + 1))
	require.NoError(t, err)
	assert.Equal(t, NewKey("9223372036854775809"), k)

	k, err = KeyOf(userID{n: 3})
	require.NoError(t, err)
	assert.Equal(t, NewKey("user-3"), k)

	_, err = KeyOf(3.14)
	assert.Error(t, err)
}
