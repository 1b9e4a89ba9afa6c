package cond

import "testing"

func TestEvalTrueFalse(t *testing.T) {
	e := New()
	ok, err := e.Eval("a + b > 10", map[string]any{"a": 5, "b": 8})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected true")
	}

	ok, err = e.Eval("a + b > 10", map[string]any{"a": 1, "b": 1})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected false")
	}
}

func TestEvalCachesCompile(t *testing.T) {
	e := New()
	if _, err := e.Eval("a == 1", map[string]any{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if len(e.cache) != 1 {
		t.Fatalf("expected 1 cached program, got %d", len(e.cache))
	}
	if _, err := e.Eval("a == 1", map[string]any{"a": 2}); err != nil {
		t.Fatal(err)
	}
	if len(e.cache) != 1 {
		t.Fatalf("expected cache reuse, got %d entries", len(e.cache))
	}
}

func TestEvalNonBoolError(t *testing.T) {
	e := New()
	if _, err := e.Eval("a + b", map[string]any{"a": 1, "b": 2}); err == nil {
		t.Error("expected error for non-bool result")
	}
}

func TestEvalCompileError(t *testing.T) {
	e := New()
	if _, err := e.Eval("a +++ 1", nil); err == nil {
		t.Error("expected compile error")
	}
}
