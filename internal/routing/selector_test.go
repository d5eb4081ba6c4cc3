package routing

import (
	"errors"
	"math/rand"
	"testing"
)

func TestParseTrunks(t *testing.T) {
	got, err := ParseTrunks(" main:3, backup ,parked:0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []Trunk{{"main", 3}, {"backup", 1}, {"parked", 0}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	for _, bad := range []string{"", " , ", "main:x", ":2", "main:-1"} {
		if _, err := ParseTrunks(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestNewSelector_AllDisabled(t *testing.T) {
	if _, err := NewSelector([]Trunk{{"a", 0}}, nil); !errors.Is(err, ErrNoTrunk) {
		t.Fatalf("expected ErrNoTrunk, got %v", err)
	}
}

func TestPick_RespectsWeights(t *testing.T) {
	s, err := NewSelector([]Trunk{{"a", 1}, {"off", 0}, {"b", 3}}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("selector: %v", err)
	}
	counts := map[string]int{}
	for i := 0; i < 4000; i++ {
		counts[s.Pick()]++
	}
	if counts["off"] != 0 {
		t.Fatalf("zero-weight trunk picked %d times", counts["off"])
	}
	if counts["b"] < 2*counts["a"] {
		t.Fatalf("weights not honored: %v", counts)
	}
}
