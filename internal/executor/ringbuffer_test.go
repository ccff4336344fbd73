package executor

import (
	"fmt"
	"strings"
	"testing"
)

func TestLineRingSkipsBlankLines(t *testing.T) {
	var r lineRing
	r.Add("one")
	r.Add("")
	r.Add("   ")
	r.Add("\t")
	r.Add("two")

	if r.Len() != 2 {
		t.Fatalf("expected 2 lines, got %d", r.Len())
	}
	if got := r.String(); got != "one\ntwo" {
		t.Errorf("unexpected tail: %q", got)
	}
}

func TestLineRingEvictsOldest(t *testing.T) {
	var r lineRing
	for i := 0; i < tailLimit+10; i++ {
		r.Add(fmt.Sprintf("line-%d", i))
	}

	if r.Len() != tailLimit {
		t.Fatalf("expected %d lines, got %d", tailLimit, r.Len())
	}
	lines := strings.Split(r.String(), "\n")
	if lines[0] != "line-10" {
		t.Errorf("expected oldest retained line-10, got %q", lines[0])
	}
	if lines[len(lines)-1] != fmt.Sprintf("line-%d", tailLimit+9) {
		t.Errorf("expected newest line last, got %q", lines[len(lines)-1])
	}
}

func TestLineRingEmpty(t *testing.T) {
	var r lineRing
	if r.String() != "" || r.Len() != 0 {
		t.Errorf("empty ring: %q len=%d", r.String(), r.Len())
	}
}
