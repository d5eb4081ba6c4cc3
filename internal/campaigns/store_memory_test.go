package campaigns

import (
	"context"
	"errors"
	"testing"
	"time"

	"campaign-dialer/internal/calls"

	"github.com/shopspring/decimal"
)

func seedDialing(t *testing.T) (*MemoryStore, Campaign, Target) {
	t.Helper()
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	c, err := s.CreateCampaign(ctx, Campaign{ID: "camp", AccountID: "acct", Name: "n", Status: StatusRunning, CreatedAt: now}, []string{"15550100001", "15550100002"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tg, err := s.NextPending(ctx, c.ID)
	if err != nil || tg.Seq != 1 {
		t.Fatalf("next pending: %+v %v", tg, err)
	}
	mustAdvance(t, s, tg.ID, TargetPending, TargetReserved)
	if err := s.CreateCall(ctx, calls.Record{CorrelationID: "call-1", CampaignID: c.ID, TargetID: tg.ID, AccountID: "acct", Status: calls.StatusDialing, StartedAt: now}); err != nil {
		t.Fatalf("create call: %v", err)
	}
	return s, c, tg
}

func TestAdvanceTarget_CompareAndSet(t *testing.T) {
	s, c, tg := seedDialing(t)
	ctx := context.Background()
	if err := s.AdvanceTarget(ctx, tg.ID, TargetPending, TargetReserved, "", time.Now()); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected stale transition, got %v", err)
	}
	if err := s.AdvanceTarget(ctx, tg.ID, TargetDialing, TargetCompleted, "", time.Now()); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("dialing -> completed skips answered, got %v", err)
	}
	next, err := s.NextPending(ctx, c.ID)
	if err != nil || next.Seq != 2 {
		t.Fatalf("expected second target next, got %+v %v", next, err)
	}
}

func TestReserveTarget_OnlyWhileRunning(t *testing.T) {
	s, c, _ := seedDialing(t)
	ctx := context.Background()
	next, err := s.NextPending(ctx, c.ID)
	if err != nil {
		t.Fatalf("next pending: %v", err)
	}
	if _, err := s.SetStatus(ctx, c.ID, []Status{StatusRunning}, StatusPaused, PauseOperator, "", time.Now()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.ReserveTarget(ctx, c.ID, next.ID, "call-2", time.Now()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if _, err := s.SetStatus(ctx, c.ID, []Status{StatusPaused}, StatusRunning, PauseNone, "", time.Now()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := s.ReserveTarget(ctx, c.ID, next.ID, "call-2", time.Now()); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.ReserveTarget(ctx, c.ID, next.ID, "call-3", time.Now()); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("second reserve must be stale, got %v", err)
	}
	if err := s.ReserveTarget(ctx, "other", next.ID, "call-4", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown campaign must be not found, got %v", err)
	}
}

func TestAnswerThenFinish_UpdatesCounters(t *testing.T) {
	s, c, tg := seedDialing(t)
	ctx := context.Background()
	at := time.Now().UTC()

	if _, err := s.AnswerCall(ctx, "call-1", at); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if _, err := s.AnswerCall(ctx, "call-1", at); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("second answer must be stale, got %v", err)
	}
	if _, applied, err := s.MarkPressed(ctx, "call-1", "1", at); err != nil || !applied {
		t.Fatalf("press: %v %v", applied, err)
	}

	end := at.Add(10 * time.Second)
	got, err := s.FinishCall(ctx, calls.Record{
		CorrelationID: "call-1", CampaignID: c.ID, TargetID: tg.ID, AccountID: "acct",
		Status: calls.StatusCompleted, Cost: decimal.RequireFromString("0.10"), AnsweredAt: &at, EndedAt: &end,
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !got.Pressed || got.PressedDigit != "1" {
		t.Fatalf("finish must keep keypress flag, got %+v", got)
	}
	if _, err := s.FinishCall(ctx, calls.Record{CorrelationID: "call-1", Status: calls.StatusFailed}); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}

	camp, _ := s.GetCampaign(ctx, c.ID)
	if camp.Answered != 1 || camp.Pressed != 1 || camp.Completed != 1 || camp.Failed != 0 || !camp.Cost.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("unexpected counters %+v", camp)
	}
	if st := s.Targets(c.ID)[0].Status; st != TargetCompleted {
		t.Fatalf("expected target completed, got %s", st)
	}
}

func TestMarkPressed_OnceAndAfterTerminal(t *testing.T) {
	s, c, tg := seedDialing(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := s.FinishCall(ctx, calls.Record{CorrelationID: "call-1", CampaignID: c.ID, TargetID: tg.ID, Status: calls.StatusNoAnswer, Cost: decimal.Zero, EndedAt: &now}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, applied, err := s.MarkPressed(ctx, "call-1", "1", now); err != nil || !applied {
		t.Fatalf("late press must apply: %v %v", applied, err)
	}
	if _, applied, err := s.MarkPressed(ctx, "call-1", "1", now); err != nil || applied {
		t.Fatalf("replay must not apply: %v %v", applied, err)
	}
	if _, _, err := s.MarkPressed(ctx, "nope", "1", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	camp, _ := s.GetCampaign(ctx, c.ID)
	if camp.Pressed != 1 || camp.Failed != 1 {
		t.Fatalf("unexpected counters %+v", camp)
	}
}

func TestCreateCall_RequiresReservedTarget(t *testing.T) {
	s, c, tg := seedDialing(t)
	ctx := context.Background()
	if got := s.Targets(c.ID)[0]; got.Status != TargetDialing || got.CallID != "call-1" {
		t.Fatalf("create call must move the target to dialing, got %+v", got)
	}
	err := s.CreateCall(ctx, calls.Record{CorrelationID: "call-2", CampaignID: c.ID, TargetID: tg.ID, Status: calls.StatusDialing, StartedAt: time.Now()})
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("second record for a dialing target must be refused, got %v", err)
	}
	if _, err := s.GetCall(ctx, "call-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("refused record must not be stored")
	}
}
