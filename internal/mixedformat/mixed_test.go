package mixedformat

import (
	"reflect"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	v := Value{
		Offsets: []int64{0, 4},
		Inline:  []any{map[string]any{"a": float64(1)}, "hello"},
		Buffer:  []byte("abcdxyz1"),
	}
	data, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data[:8]) != Magic {
		t.Fatalf("missing magic header")
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got.Offsets, v.Offsets) {
		t.Errorf("offsets mismatch: got %v want %v", got.Offsets, v.Offsets)
	}
	if !reflect.DeepEqual(got.Inline, v.Inline) {
		t.Errorf("inline mismatch: got %v want %v", got.Inline, v.Inline)
	}
	if string(got.Buffer) != string(v.Buffer) {
		t.Errorf("buffer mismatch: got %q want %q", got.Buffer, v.Buffer)
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	if _, err := Unmarshal([]byte("short")); err == nil {
		t.Fatal("expected error on truncated header")
	}
}

func TestUnmarshalBadMagic(t *testing.T) {
	data := make([]byte, 32)
	copy(data, []byte("NOTSEAML"))
	if _, err := Unmarshal(data); err == nil {
		t.Fatal("expected error on bad magic")
	}
}
