package skerrors

import (
	"errors"
	"testing"
)

func TestKindStringRoundTrip(t *testing.T) {
	cases := map[Kind]string{
		KindBadInput: "BadInput",
		KindNotFound: "NotFound",
		KindTimeout:  "Timeout",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestIsMatchesByKindOnly(t *testing.T) {
	err := BadInput("engine.Put", "key must not be empty")
	if !errors.Is(err, &Error{Kind: KindBadInput}) {
		t.Fatalf("errors.Is did not match on Kind")
	}
	if errors.Is(err, &Error{Kind: KindNotFound}) {
		t.Fatalf("errors.Is matched on the wrong Kind")
	}
}

func TestUnwrapExposesWrappedError(t *testing.T) {
	cause := errors.New("disk full")
	err := IoError("page.Sync", cause, "syncing page file")
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is did not find the wrapped cause")
	}
}

func TestHasChecksKind(t *testing.T) {
	err := Closed("txn.Commit", "manager is degraded")
	if !Has(err, KindClosed) {
		t.Fatalf("Has = false, want true for KindClosed")
	}
	if Has(err, KindBadInput) {
		t.Fatalf("Has = true for an unrelated Kind")
	}
}
