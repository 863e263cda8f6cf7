package telemetry

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")
	cases := []struct {
		err  error
		kind ErrorKind
	}{
		{DecodeError("json", cause), KindDecode},
		{TransportError("connect", cause), KindTransport},
		{PersistenceError("write batch", cause), KindPersistence},
		{cause, KindUnknown},
		{nil, KindUnknown},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind {
			t.Fatalf("expected %s for %v, got %s", tc.kind, tc.err, got)
		}
	}
}

func TestErrorWrapping(t *testing.T) {
	err := fmt.Errorf("flush: %w", PersistenceError("write batch", ErrEmptyBatch))
	if !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected wrapped sentinel to be found")
	}
	if KindOf(err) != KindPersistence {
		t.Fatalf("expected persistence kind through wrapping")
	}
	var target *Error
	if !errors.As(err, &target) || target.Op != "write batch" {
		t.Fatalf("expected *Error with op, got %v", target)
	}
	if got := target.Error(); got != "telemetry persistence error: write batch: telemetry: empty batch" {
		t.Fatalf("unexpected message %q", got)
	}
}
