package osc

import (
	"testing"

	goosc "github.com/hypebeast/go-osc/osc"
)

func TestAppendArgs(t *testing.T) {
	t.Run("coerces to wire types", func(t *testing.T) {
		msg := goosc.NewMessage("/test")
		if err := AppendArgs(msg, 1, int64(2), 3.5, float32(4.5), "five", true); err != nil {
			t.Fatalf("AppendArgs() error = %v", err)
		}
		want := []any{int32(1), int32(2), float32(3.5), float32(4.5), "five", true}
		if len(msg.Arguments) != len(want) {
			t.Fatalf("got %d arguments, want %d", len(msg.Arguments), len(want))
		}
		for i, w := range want {
			if msg.Arguments[i] != w {
				t.Errorf("argument %d = %v (%T), want %v (%T)", i, msg.Arguments[i], msg.Arguments[i], w, w)
			}
		}
	})

	t.Run("rejects unsupported types", func(t *testing.T) {
		msg := goosc.NewMessage("/test")
		if err := AppendArgs(msg, []byte("nope")); err == nil {
			t.Fatal("AppendArgs() error = nil, want unsupported type error")
		}
	})
}

func TestExtractors(t *testing.T) {
	args := []any{int32(7), float32(2.5), "hello", float32(3)}

	t.Run("Int", func(t *testing.T) {
		if got, err := Int(args, 0); err != nil || got != 7 {
			t.Errorf("Int(0) = %d, %v; want 7, nil", got, err)
		}
		// Some endpoints reply with float-typed counts.
		if got, err := Int(args, 3); err != nil || got != 3 {
			t.Errorf("Int(3) = %d, %v; want 3, nil", got, err)
		}
		if _, err := Int(args, 2); err == nil {
			t.Error("Int(2) error = nil, want type error")
		}
		if _, err := Int(args, 9); err == nil {
			t.Error("Int(9) error = nil, want range error")
		}
	})

	t.Run("Float", func(t *testing.T) {
		if got, err := Float(args, 1); err != nil || got != 2.5 {
			t.Errorf("Float(1) = %v, %v; want 2.5, nil", got, err)
		}
		if got, err := Float(args, 0); err != nil || got != 7 {
			t.Errorf("Float(0) = %v, %v; want 7, nil", got, err)
		}
	})

	t.Run("Str", func(t *testing.T) {
		if got, err := Str(args, 2); err != nil || got != "hello" {
			t.Errorf("Str(2) = %q, %v; want hello, nil", got, err)
		}
		// Non-string scalars are formatted.
		if got, err := Str(args, 0); err != nil || got != "7" {
			t.Errorf("Str(0) = %q, %v; want 7, nil", got, err)
		}
		if _, err := Str(args, 9); err == nil {
			t.Error("Str(9) error = nil, want range error")
		}
	})
}
