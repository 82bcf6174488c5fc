package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestReplicationErrorUnwrap(t *testing.T) {
	t.Parallel()

	base := errors.New("connection reset")
	err := NewReplicationError(ErrKindTransport, "5520", base)

	if !errors.Is(err, base) {
		t.Error("errors.Is should find the wrapped error")
	}
	if got := KindOf(err); got != ErrKindTransport {
		t.Errorf("KindOf = %q, want %q", got, ErrKindTransport)
	}
}

func TestKindOfThroughWrapping(t *testing.T) {
	t.Parallel()

	inner := NewReplicationError(ErrKindInsufficientFunds, "5520", errors.New("margin shortfall"))
	wrapped := fmt.Errorf("placement: %w", inner)

	if got := KindOf(wrapped); got != ErrKindInsufficientFunds {
		t.Errorf("KindOf(wrapped) = %q, want %q", got, ErrKindInsufficientFunds)
	}
}

func TestKindOfUnclassified(t *testing.T) {
	t.Parallel()

	if got := KindOf(errors.New("who knows")); got != ErrKindValidation {
		t.Errorf("KindOf(plain) = %q, want %q", got, ErrKindValidation)
	}
}

func TestErrorKindPolicy(t *testing.T) {
	t.Parallel()

	for _, k := range []ErrorKind{ErrKindTransport, ErrKindRateLimit} {
		if !k.Retryable() {
			t.Errorf("%q should be retryable", k)
		}
	}
	for _, k := range []ErrorKind{ErrKindValidation, ErrKindPlacement, ErrKindInsufficientFunds} {
		if k.Retryable() {
			t.Errorf("%q should not be retryable", k)
		}
	}
	for _, k := range []ErrorKind{ErrKindConfiguration, ErrKindAuthentication} {
		if !k.Fatal() {
			t.Errorf("%q should be fatal", k)
		}
	}
	if ErrKindStore.Fatal() {
		t.Error("store errors escalate per-key, not via Fatal")
	}
}

func TestReplicationErrorMessage(t *testing.T) {
	t.Parallel()

	err := NewReplicationError(ErrKindPlacement, "8891", errors.New("rejected by RMS"))
	want := "order_placement (leader order 8891): rejected by RMS"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	noID := NewReplicationError(ErrKindStore, "", errors.New("database is locked"))
	if noID.Error() != "store: database is locked" {
		t.Errorf("Error() without id = %q", noID.Error())
	}
}
