package ids

import (
	"testing"
	"time"
)

func TestNewIsSortableAndValid(t *testing.T) {
	base := time.Unix(1700000000, 0)
	a := NewAt(base)
	b := NewAt(base.Add(time.Millisecond))
	if !(a < b) {
		t.Fatalf("expected %s < %s", a, b)
	}
	if !Valid(a) || !Valid(b) {
		t.Fatalf("expected ids to parse")
	}
	if Valid("not-an-id") {
		t.Fatalf("unexpected valid id")
	}
}
