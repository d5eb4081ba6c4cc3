package audit

import (
	"context"
	"testing"

	"campaign-dialer/pkg/logger"
)

func TestService_AppendRequiresAccountAndType(t *testing.T) {
	svc := NewService(NewMemoryRepo(), logger.Discard())

	if err := svc.Append(context.Background(), Event{Type: EventCampaignPaused}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{AccountID: "a"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_RecordAssignsIDAndTime(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, logger.Discard())

	svc.Record(context.Background(), Event{AccountID: "a", Type: EventCampaignPaused, CampaignID: "c1", Message: "insufficient_credit"})
	svc.Record(context.Background(), Event{Type: EventCampaignPaused}) // invalid, logged only

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", evs[0])
	}
}

func TestService_NilIsNoOp(t *testing.T) {
	var svc *Service
	svc.Record(context.Background(), Event{AccountID: "a", Type: EventCreditGranted})
}

func TestMemoryRepo_ForCampaign(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	_ = repo.Append(ctx, Event{AccountID: "a", Type: EventCampaignStarted, CampaignID: "c1"})
	_ = repo.Append(ctx, Event{AccountID: "a", Type: EventCampaignPaused, CampaignID: "c1"})
	_ = repo.Append(ctx, Event{AccountID: "a", Type: EventCampaignPaused, CampaignID: "c2"})
	_ = repo.Append(ctx, Event{AccountID: "a", Type: EventCreditGranted, PaymentRef: "p1"})

	if n := len(repo.ForCampaign("c1")); n != 2 {
		t.Fatalf("expected 2 events for c1, got %d", n)
	}
	evs := repo.ForCampaign("c1", EventCampaignPaused)
	if len(evs) != 1 || evs[0].Type != EventCampaignPaused {
		t.Fatalf("unexpected filtered events: %+v", evs)
	}
	if n := len(repo.ForCampaign("c3")); n != 0 {
		t.Fatalf("expected none for c3, got %d", n)
	}
}
