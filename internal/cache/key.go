package cache

import (
	"fmt"
	"strconv"
)

// Key identifies an entry. Two keys are the same key iff their string forms
// are equal, so Key works directly as a map key and with ==.
type Key string

// NewKey returns the key for s.
func NewKey(s string) Key { return Key(s) }

// Int64Key returns the key for n in its decimal canonical form, so
// Int64Key(42) == NewKey("42").
func Int64Key(n int64) Key { return Key(strconv.FormatInt(n, 10)) }

// KeyOf converts strings, integers and fmt.Stringers to a Key.
func KeyOf(v any) (Key, error) {
	switch k := v.(type) {
	case Key:
		return k, nil
	case string:
		return Key(k), nil
	case int:
		return Int64Key(int64(k)), nil
	case int8:
		return Int64Key(int64(k)), nil
	case int16:
		return Int64Key(int64(k)), nil
	case int32:
		return Int64Key(int64(k)), nil
	case int64:
		return Int64Key(k), nil
	case uint:
		return uintKey(uint64(k)), nil
	case uint8:
		return uintKey(uint64(k)), nil
	case uint16:
		return uintKey(uint64(k)), nil
	case uint32:
		return uintKey(uint64(k)), nil
	case uint64:
		return uintKey(k), nil
	case fmt.Stringer:
		return Key(k.String()), nil
	default:
		return "", fmt.Errorf("cache: unsupported key type %T", v)
	}
}

func uintKey(n uint64) Key { return Key(strconv.FormatUint(n, 10)) }

func (k Key) String() string { return string(k) }

// Int64 parses the key as a decimal integer.
func (k Key) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(k), 10, 64)
	return n, err == nil
}
