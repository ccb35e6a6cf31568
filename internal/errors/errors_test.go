package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindResolution, "bad netmask")
	if err.Error() != "bad netmask" {
		t.Errorf("expected 'bad netmask', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "resolve network lan")
	if wrapped.Error() != "resolve network lan: bad netmask" {
		t.Errorf("unexpected message %q", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindSubprocess, "iptables-restore exited 1")
	if GetKind(err) != KindSubprocess {
		t.Errorf("expected KindSubprocess, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindInternal, "apply")
	if GetKind(wrapped) != KindInternal {
		t.Errorf("expected KindInternal, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown for plain errors")
	}
	if IsKind(nil, KindUnknown) {
		t.Errorf("nil error must not match any kind")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, KindInternal, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, KindInternal, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
	if Attr(nil, "k", "v") != nil {
		t.Error("Attr(nil) should be nil")
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindResolution, "invalid address")
	err = Attr(err, "rule", 3)
	err = Attr(err, "field", "netmask")

	attrs := GetAttributes(err)
	if attrs["rule"] != 3 || attrs["field"] != "netmask" {
		t.Errorf("unexpected attributes: %v", attrs)
	}

	wrapped := Wrap(err, KindInternal, "analysis")
	wrapped = Attr(wrapped, "stage", "BuildRuleset")

	all := GetAttributes(wrapped)
	if all["field"] != "netmask" || all["stage"] != "BuildRuleset" {
		t.Errorf("missing attributes: %v", all)
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindInternal, "internal"},
		{KindUnsupported, "unsupported"},
		{KindResolution, "resolution"},
		{KindSubprocess, "subprocess"},
		{Kind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
