package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/ledger"
	"campaign-dialer/pkg/logger"
	"campaign-dialer/pkg/utils"

	"github.com/shopspring/decimal"
)

// seed builds a campaign with one completed, one failed, one dialing and one
// pending target.
func seed(t *testing.T) *campaigns.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := campaigns.NewMemoryStore()
	now := time.Unix(1700000000, 0).UTC()
	numbers := []string{"15550100001", "15550100002", "15550100003", "15550100004"}
	if _, err := s.CreateCampaign(ctx, campaigns.Campaign{ID: "camp", AccountID: "acct", Name: "spring", Status: campaigns.StatusRunning, CreatedAt: now}, numbers); err != nil {
		t.Fatalf("create: %v", err)
	}
	dial := func(id string) {
		tg, err := s.NextPending(ctx, "camp")
		if err != nil {
			t.Fatalf("next pending: %v", err)
		}
		if err := s.AdvanceTarget(ctx, tg.ID, campaigns.TargetPending, campaigns.TargetReserved, id, now); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if err := s.CreateCall(ctx, calls.Record{CorrelationID: id, CampaignID: "camp", TargetID: tg.ID, AccountID: "acct", Status: calls.StatusDialing, StartedAt: now}); err != nil {
			t.Fatalf("create call: %v", err)
		}
	}

	dial("c1")
	if _, err := s.AnswerCall(ctx, "c1", now); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if _, _, err := s.MarkPressed(ctx, "c1", "1", now); err != nil {
		t.Fatalf("press: %v", err)
	}
	end := now.Add(10 * time.Second)
	if _, err := s.FinishCall(ctx, calls.Record{CorrelationID: "c1", Status: calls.StatusCompleted, Cost: decimal.RequireFromString("0.2"), AnsweredAt: &now, EndedAt: &end}); err != nil {
		t.Fatalf("finish c1: %v", err)
	}
	dial("c2")
	if _, err := s.FinishCall(ctx, calls.Record{CorrelationID: "c2", Status: calls.StatusNoAnswer, Cost: decimal.Zero, EndedAt: &end}); err != nil {
		t.Fatalf("finish c2: %v", err)
	}
	dial("c3")
	return s
}

func newLedger(t *testing.T, balance string) *ledger.Service {
	t.Helper()
	svc := ledger.NewService(ledger.NewMemoryRepo(), logger.Discard())
	if balance != "" {
		if _, err := svc.Grant(context.Background(), ledger.GrantRequest{PaymentRef: "p1", AccountID: "acct", Amount: decimal.RequireFromString(balance)}); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
	return svc
}

func TestCampaignSummary(t *testing.T) {
	svc := NewService(seed(t), newLedger(t, "10"), nil, 0, logger.Discard())
	out, err := svc.CampaignSummary(context.Background(), "acct", "camp")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if out.TotalTargets != 4 || out.Pending != 1 || out.InFlight != 1 || out.Completed != 1 || out.Failed != 1 {
		t.Fatalf("unexpected counts %+v", out)
	}
	if out.Progress != 0.5 || out.AnswerRate != 0.5 || out.ConversionRate != 1 {
		t.Fatalf("unexpected rates %+v", out)
	}
	if !out.Spend.Equal(decimal.RequireFromString("0.2")) || out.Targets[campaigns.TargetDialing] != 1 {
		t.Fatalf("unexpected spend or targets %+v", out)
	}
}

func TestCampaignSummary_AccountIsolation(t *testing.T) {
	svc := NewService(seed(t), newLedger(t, ""), NewMemoryCache(), time.Minute, logger.Discard())
	if _, err := svc.CampaignSummary(context.Background(), "other", "camp"); !errors.Is(err, campaigns.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// warm the cache, then ask again as the wrong account
	if _, err := svc.CampaignSummary(context.Background(), "", "camp"); err != nil {
		t.Fatalf("admin summary: %v", err)
	}
	if _, err := svc.CampaignSummary(context.Background(), "other", "camp"); !errors.Is(err, campaigns.ErrNotFound) {
		t.Fatalf("cached summary leaked across accounts: %v", err)
	}
	if _, err := svc.CampaignSummary(context.Background(), "acct", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestAccountSummary(t *testing.T) {
	svc := NewService(seed(t), newLedger(t, "10"), nil, 0, logger.Discard())
	out, err := svc.AccountSummary(context.Background(), "acct")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !out.Balance.Equal(decimal.NewFromInt(10)) || !out.Available.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected balances %+v", out)
	}
	if len(out.Campaigns) != 1 || out.ActiveCampaigns != 1 || out.TotalCalls != 2 || out.TotalPressed != 1 {
		t.Fatalf("unexpected totals %+v", out)
	}
}

func TestAccountSummary_UnfundedAccountIsZero(t *testing.T) {
	svc := NewService(campaigns.NewMemoryStore(), newLedger(t, ""), nil, 0, logger.Discard())
	out, err := svc.AccountSummary(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !out.Balance.IsZero() || len(out.Campaigns) != 0 {
		t.Fatalf("unexpected summary %+v", out)
	}
}

func TestSnapshotCache_ServesUntilExpiry(t *testing.T) {
	store := seed(t)
	cache := NewMemoryCache()
	now := time.Unix(1700000000, 0)
	cache.clock = func() time.Time { return now }
	svc := NewService(store, newLedger(t, "10"), cache, 5*time.Second, logger.Discard())
	ctx := context.Background()

	first, err := svc.CampaignSummary(ctx, "acct", "camp")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if _, _, err := store.MarkPressed(ctx, "c3", "1", now); err != nil {
		t.Fatalf("press: %v", err)
	}
	cached, _ := svc.CampaignSummary(ctx, "acct", "camp")
	if cached.Pressed != first.Pressed {
		t.Fatalf("expected cached snapshot, got pressed %d", cached.Pressed)
	}
	if !cached.Spend.Equal(first.Spend) {
		t.Fatalf("spend lost in the cache round trip: %s", cached.Spend)
	}

	now = now.Add(6 * time.Second)
	fresh, _ := svc.CampaignSummary(ctx, "acct", "camp")
	if fresh.Pressed != first.Pressed+1 {
		t.Fatalf("expected refreshed snapshot, got pressed %d", fresh.Pressed)
	}
}

func TestMemoryCache_Miss(t *testing.T) {
	var v CampaignSummary
	if err := NewMemoryCache().Get(context.Background(), "nope", &v); !errors.Is(err, utils.ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
}
