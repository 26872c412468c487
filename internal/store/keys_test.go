package store

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func mustEncode(t *testing.T, key any) []byte {
	t.Helper()
	b, err := encodeKey(key)
	if err != nil {
		t.Fatalf("encodeKey(%v) error = %v", key, err)
	}
	return b
}

func TestEncodeKey_Ordering(t *testing.T) {
	// Each key must sort strictly before the next.
	ordered := []any{
		false,
		true,
		math.Inf(-1),
		-1e9,
		-1.5,
		-1,
		0,
		0.5,
		1,
		42,
		1e12,
		math.Inf(1),
		"",
		"\x00",
		"a",
		"a\x00b",
		"ab",
		"b",
		"ü",
	}

	for i := 0; i+1 < len(ordered); i++ {
		a := mustEncode(t, ordered[i])
		b := mustEncode(t, ordered[i+1])
		if bytes.Compare(a, b) >= 0 {
			t.Errorf("encode(%#v) >= encode(%#v)", ordered[i], ordered[i+1])
		}
	}
}

func TestEncodeKey_NumericTypesAgree(t *testing.T) {
	want := mustEncode(t, float64(7))
	for _, v := range []any{7, int32(7), int64(7), uint(7), uint64(7), float32(7)} {
		if got := mustEncode(t, v); !bytes.Equal(got, want) {
			t.Errorf("encode(%T 7) differs from float64 encoding", v)
		}
	}
}

func TestEncodeKey_CompositePrefix(t *testing.T) {
	prefix := mustEncode(t, []any{"u1"})
	full := mustEncode(t, []any{"u1", 100})
	other := mustEncode(t, []any{"u10", 1})

	if !bytes.HasPrefix(full, prefix) {
		t.Error("composite key does not start with its prefix encoding")
	}
	if bytes.HasPrefix(other, prefix) {
		t.Error("u10 must not share the u1 prefix")
	}

	upper := append(append([]byte{}, prefix...), upperBound)
	if bytes.Compare(full, upper) >= 0 {
		t.Error("full key sorts after the prefix upper bound")
	}

	if !bytes.Equal(mustEncode(t, []string{"a", "b"}), mustEncode(t, []any{"a", "b"})) {
		t.Error("[]string and []any encodings differ")
	}
}

func TestEncodeKey_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  any
	}{
		{"nil", nil},
		{"empty composite", []any{}},
		{"NaN", math.NaN()},
		{"struct", struct{}{}},
		{"nested nil", []any{"a", nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := encodeKey(tt.key); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("encodeKey() error = %v, want ErrInvalidKey", err)
			}
		})
	}
}

func TestExtractKey(t *testing.T) {
	body := []byte(`{"id":"a","n":3,"ok":true,"nested":{"x":"y"},"nil":null}`)

	tests := []struct {
		name   string
		path   []string
		want   []any
		wantOK bool
	}{
		{"string", []string{"id"}, []any{"a"}, true},
		{"composite", []string{"id", "n"}, []any{"a", float64(3)}, true},
		{"bool", []string{"ok"}, []any{true}, true},
		{"dotted path", []string{"nested.x"}, []any{"y"}, true},
		{"missing", []string{"absent"}, nil, false},
		{"null", []string{"nil"}, nil, false},
		{"object", []string{"nested"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractKey(body, tt.path)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("key = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("key[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
