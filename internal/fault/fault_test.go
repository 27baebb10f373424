package fault

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "direct fault",
			err:  New(KindInput, "resolve", "dump truncated"),
			want: KindInput,
		},
		{
			name: "wrapped fault",
			err:  fmt.Errorf("ensure analyzed: %w", New(KindProfile, "detect", "no profile")),
			want: KindProfile,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: "",
		},
		{
			name: "nil-ish wrap",
			err:  Wrap(KindStore, "persist", io.ErrUnexpectedEOF),
			want: KindStore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapPreservesInnerKind(t *testing.T) {
	inner := New(KindEngineTransient, "run", "engine timeout")
	outer := Wrap(KindEngineTerminal, "orchestrate", inner)

	if got := KindOf(outer); got != KindEngineTransient {
		t.Fatalf("KindOf(outer) = %q, want %q", got, KindEngineTransient)
	}
	if !errors.Is(outer, inner) {
		t.Fatal("wrapped error lost its cause")
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(KindStore, "persist", nil); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(KindEngineTransient, "run", "timeout")) {
		t.Fatal("transient engine error should be retryable")
	}
	for _, kind := range []Kind{KindInput, KindProfile, KindEngineTerminal, KindStore, KindConcurrencyTimeout} {
		if Retryable(New(kind, "op", "msg")) {
			t.Fatalf("%s should not be retryable", kind)
		}
	}
}
