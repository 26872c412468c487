package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tidwall/gjson"
)

// Key component tags. Their byte order defines cross-type ordering:
// booleans < numbers < strings.
const (
	tagBool   byte = 0x02
	tagNumber byte = 0x03
	tagString byte = 0x04
)

// upperBound is appended to a prefix encoding to form an exclusive upper
// bound; it sorts after every component tag.
const upperBound byte = 0xFF

// encodeKey turns a key into an order-preserving byte string. A key is a
// scalar (string, bool, any integer or float) or a []any of scalars for
// composite key paths. The encoding of a composite prefix is a byte prefix of
// the encoding of any longer key that starts with it.
func encodeKey(key any) ([]byte, error) {
	if key == nil {
		return nil, ErrInvalidKey
	}
	var parts []any
	switch k := key.(type) {
	case []any:
		if len(k) == 0 {
			return nil, ErrInvalidKey
		}
		parts = k
	case []string:
		if len(k) == 0 {
			return nil, ErrInvalidKey
		}
		for _, s := range k {
			parts = append(parts, s)
		}
	default:
		parts = []any{key}
	}

	var buf bytes.Buffer
	for _, p := range parts {
		if err := encodeComponent(&buf, p); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeComponent(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case string:
		buf.WriteByte(tagString)
		for i := 0; i < len(x); i++ {
			// 0x00 is escaped so the terminator stays unambiguous.
			if x[i] == 0x00 {
				buf.Write([]byte{0x00, 0xFF})
				continue
			}
			buf.WriteByte(x[i])
		}
		buf.Write([]byte{0x00, 0x01})
	case bool:
		buf.WriteByte(tagBool)
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case float64:
		if math.IsNaN(x) {
			return fmt.Errorf("%w: NaN", ErrInvalidKey)
		}
		buf.WriteByte(tagNumber)
		bits := math.Float64bits(x)
		if x >= 0 {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], bits)
		buf.Write(b[:])
	case float32:
		return encodeComponent(buf, float64(x))
	case int:
		return encodeComponent(buf, float64(x))
	case int32:
		return encodeComponent(buf, float64(x))
	case int64:
		return encodeComponent(buf, float64(x))
	case uint:
		return encodeComponent(buf, float64(x))
	case uint32:
		return encodeComponent(buf, float64(x))
	case uint64:
		return encodeComponent(buf, float64(x))
	default:
		return fmt.Errorf("%w: unsupported key component type %T", ErrInvalidKey, v)
	}
	return nil
}

// extractKey reads the key path components out of a JSON document. ok is
// false when any component is missing or not a valid key value, in which
// case the record is not indexed under that path.
func extractKey(body []byte, path []string) (key []any, ok bool) {
	key = make([]any, 0, len(path))
	for _, p := range path {
		r := gjson.GetBytes(body, p)
		switch r.Type {
		case gjson.String:
			key = append(key, r.String())
		case gjson.Number:
			key = append(key, r.Float())
		case gjson.True:
			key = append(key, true)
		case gjson.False:
			key = append(key, false)
		default:
			return nil, false
		}
	}
	return key, true
}

// singleKey unwraps one-component keys so notifications carry the scalar.
func singleKey(key []any) any {
	if len(key) == 1 {
		return key[0]
	}
	return key
}
