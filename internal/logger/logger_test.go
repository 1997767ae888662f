package logger

import "testing"

func TestNewReturnsIndependentNamedLoggers(t *testing.T) {
	a, err := New(Config{Development: true, Name: "one"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Config{Development: true, Name: "two"})
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("loggers shared between callers")
	}
	if got := a.Desugar().Name(); got != "one" {
		t.Errorf("name = %q, want one", got)
	}
	if got := b.Desugar().Name(); got != "two" {
		t.Errorf("name = %q, want two", got)
	}
}

func TestNopNeverNil(t *testing.T) {
	if Nop() == nil {
		t.Fatal("nop logger nil")
	}
}
