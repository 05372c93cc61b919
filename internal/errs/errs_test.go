package errs

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestWrapKeepsKindAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, StorageFailed)
	if !errors.Is(err, StorageFailed) {
		t.Fatalf("expected StorageFailed kind: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved: %v", err)
	}
	if Wrap(nil, StorageFailed) != nil {
		t.Fatalf("wrap of nil should be nil")
	}
}

func TestKindIsOutermost(t *testing.T) {
	inner := New(AlreadyRegistered, "abc")
	outer := Wrap(inner, RegistrationFailed)
	if Kind(outer) != RegistrationFailed {
		t.Fatalf("unexpected kind: %v", Kind(outer))
	}
	if !errors.Is(outer, AlreadyRegistered) {
		t.Fatalf("inner kind lost")
	}
}

func TestCodeRoundTrip(t *testing.T) {
	err := New(HomeIdMismatch, "wrong home")
	back := FromCode(Code(err), err.Error())
	if !errors.Is(back, HomeIdMismatch) {
		t.Fatalf("kind not restored: %v", back)
	}
	if FromCode("nope", "x").Error() != "x" {
		t.Fatalf("unknown code should keep message")
	}
}
