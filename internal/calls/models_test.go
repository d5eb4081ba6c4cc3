package calls

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusDialing, StatusAnswered},
		{StatusDialing, StatusNoAnswer},
		{StatusDialing, StatusBusy},
		{StatusDialing, StatusFailed},
		{StatusAnswered, StatusCompleted},
		{StatusAnswered, StatusFailed},
	}
	for _, p := range allowed {
		if !CanTransition(p[0], p[1]) {
			t.Fatalf("expected %s -> %s to be allowed", p[0], p[1])
		}
	}

	denied := [][2]Status{
		{StatusDialing, StatusCompleted},
		{StatusAnswered, StatusNoAnswer},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusAnswered},
	}
	for _, p := range denied {
		if CanTransition(p[0], p[1]) {
			t.Fatalf("expected %s -> %s to be denied", p[0], p[1])
		}
	}
}

func TestOutcome(t *testing.T) {
	cases := map[int]Status{
		CauseUserBusy:       StatusBusy,
		CauseNoAnswer:       StatusNoAnswer,
		CauseNormalClearing: StatusNoAnswer,
		CauseCongestion:     StatusFailed,
		CauseUnallocated:    StatusFailed,
	}
	for code, want := range cases {
		if got := Outcome(code); got != want {
			t.Fatalf("cause %d: expected %s, got %s", code, want, got)
		}
	}
}

func TestTerminal(t *testing.T) {
	if StatusDialing.Terminal() || StatusAnswered.Terminal() {
		t.Fatalf("live statuses must not be terminal")
	}
	if !StatusBusy.Terminal() || !StatusCompleted.Terminal() {
		t.Fatalf("expected terminal")
	}
}
