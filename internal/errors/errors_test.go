package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
)

func TestExitCodeUsesTypedCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", Wrap(CodeKeyNotFound, "lookup key", stderrors.New("missing")))
	if got := ExitCode(err); got != int(CodeKeyNotFound) {
		t.Fatalf("expected exit %d, got %d", CodeKeyNotFound, got)
	}
	if got := ExitCode(stderrors.New("plain")); got != int(CodeInternal) {
		t.Fatalf("expected internal exit code, got %d", got)
	}
}

func TestTransientClassification(t *testing.T) {
	cases := map[Code]bool{
		CodeUnavailable: true,
		CodeRateLimited: true,
		CodeTimeout:     true,
		CodeRejected:    false,
		CodeProofVerify: false,
		CodeCrypto:      false,
	}
	for code, want := range cases {
		if got := Transient(New(code, "x")); got != want {
			t.Fatalf("code %d: expected transient=%v, got %v", code, want, got)
		}
	}
	if Transient(context.DeadlineExceeded) {
		t.Fatal("untyped errors are not transient")
	}
}

func TestHasCodeWalksCauses(t *testing.T) {
	inner := New(CodeTimeout, "attempt timed out")
	outer := Wrap(CodeUnavailable, "broadcast", inner)
	if !HasCode(outer, CodeTimeout) {
		t.Fatal("expected nested timeout code to be found")
	}
	if HasCode(outer, CodeRejected) {
		t.Fatal("unexpected rejected code")
	}
	if !stderrors.Is(outer, &Error{Code: CodeUnavailable}) {
		t.Fatal("expected errors.Is to match by code")
	}
}
