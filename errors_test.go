package ds

import (
	"testing"

	"github.com/pkg/errors"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, KindInternal},
		{errors.New("plain"), KindInternal},
		{ErrNotFound, KindBlobNotFound},
		{errors.Wrap(ErrNotFound, "getting blob"), KindBlobNotFound},
		{NewError(KindAccessDenied, "nope"), KindAccessDenied},
		{errors.Wrap(NewError(KindQuotaExceeded, "full"), "applying"), KindQuotaExceeded},
		{WrapError(KindSyncFailed, errors.New("inner"), "outer"), KindSyncFailed},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Errorf("KindOf(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestExternalStripsDetail(t *testing.T) {
	inner := errors.New("pq: relation \"records\" does not exist")
	err := WrapError(KindInternal, inner, "querying record")

	ext := External(err)
	if ext.Kind != KindInternal {
		t.Fatalf("got kind %s", ext.Kind)
	}
	if ext.Cause != nil {
		t.Error("external error carries a cause")
	}
	if ext.Message != "internal error" {
		t.Errorf("external message %q leaks detail", ext.Message)
	}

	// Classified kinds keep their kind but still drop internals.
	ext = External(Errorf(KindQuotaExceeded, "owner %s is %d bytes over", "did:key:zalice", 512))
	if ext.Kind != KindQuotaExceeded {
		t.Fatalf("got kind %s", ext.Kind)
	}
	if ext.Message != "quota exceeded" {
		t.Errorf("external message %q leaks detail", ext.Message)
	}

	if External(nil) != nil {
		t.Error("External(nil) is not nil")
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError(KindInternal, nil, "noop") != nil {
		t.Error("wrapping nil produced an error")
	}
}

func TestIsKind(t *testing.T) {
	err := errors.Wrap(NewError(KindNotPinned, "no pin"), "unpinning")
	if !IsKind(err, KindNotPinned) {
		t.Error("kind lost through wrapping")
	}
	if IsKind(err, KindAccessDenied) {
		t.Error("wrong kind matched")
	}
	if IsKind(nil, KindInternal) {
		t.Error("nil error matched a kind")
	}
}
