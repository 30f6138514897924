package bencode

import (
	"reflect"
	"strings"
	"testing"
)

func decodeFromString(t *testing.T, s string) (any, error) {
	t.Helper()
	d := NewDecoder([]byte(s))
	return d.Decode()
}

func TestDecode_OK(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", any("spam")},
		{"empty-string", "0:", any("")},
		{"int-neg", "i-1e", any(int64(-1))},
		{"int-zero", "i0e", any(int64(0))},
		{"int-pos", "i42e", any(int64(42))},
		{"list-simple", "l4:spami1ee", any([]any{"spam", int64(1)})},
		{
			"dict",
			"d1:ai1e1:bi2e1:cl1:xi3eee",
			any(map[string]any{
				"a": int64(1),
				"b": int64(2),
				"c": []any{"x", int64(3)},
			}),
		},
		{
			"nested-structures",
			"d8:announce14:http://tracker4:infod6:lengthi1024e4:name10:ubuntu.iso6:piecesl3:abc3:defeee",
			any(map[string]any{
				"announce": "http://tracker",
				"info": map[string]any{
					"length": int64(1024),
					"name":   "ubuntu.iso",
					"pieces": []any{"abc", "def"},
				},
			}),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := decodeFromString(t, tc.in)
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			if !reflect.DeepEqual(v, tc.want) {
				t.Fatalf("got %#v, want %#v", v, tc.want)
			}
		})
	}
}

func TestDecodeErrors_IntegerFormat(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"leading-zero", "i012e", "leading zero"},
		{"negative-zero", "i-0e", "negative zero"},
		{"empty", "ie", "empty integer"},
		{"lone-dash", "i-e", "lone '-'"},
		{"too-many-digits", "i" + strings.Repeat("1", 21) + "e", "too many digits"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeFromString(t, tc.in)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want contains %q", err, tc.want)
			}
		})
	}
}

func TestUnmarshal_TrailingDataRejected(t *testing.T) {
	_, err := Unmarshal([]byte("i1ei2e"))
	if err == nil || !strings.Contains(err.Error(), "trailing data") {
		t.Fatalf("error = %v, want trailing data error", err)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	in := map[string]any{
		"announce": "http://tracker.example/announce",
		"info": map[string]any{
			"name":         "file.bin",
			"piece length": int64(16384),
			"length":       int64(32000),
			"pieces":       strings.Repeat("x", 40),
		},
	}

	encoded, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !reflect.DeepEqual(decoded, in) {
		t.Fatalf("round-trip mismatch: got %#v, want %#v", decoded, in)
	}
}
