package checksum

import "testing"

func TestOfStable(t *testing.T) {
	a := Of([]byte("hello world"))
	b := Of([]byte("hello world"))
	if a != b {
		t.Fatalf("checksum not stable: %v != %v", a, b)
	}
}

func TestOfDistinguishes(t *testing.T) {
	a := Of([]byte("hello"))
	b := Of([]byte("world"))
	if a == b {
		t.Fatalf("distinct inputs hashed to the same checksum")
	}
}

func TestZero(t *testing.T) {
	var s Sum
	if !s.Zero() {
		t.Fatal("expected zero value to report Zero()")
	}
	if Of([]byte("x")).Zero() {
		t.Fatal("non-empty digest reported Zero()")
	}
}

func TestStringIsHex(t *testing.T) {
	s := Of([]byte("abc"))
	if len(s.String()) != 32 {
		t.Fatalf("expected 32 hex chars, got %d: %s", len(s.String()), s.String())
	}
}
