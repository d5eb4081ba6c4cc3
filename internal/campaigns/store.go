package campaigns

import (
	"context"
	"errors"
	"time"

	"campaign-dialer/internal/calls"
)

// Store is the repository contract for campaigns, targets and call records.
// Implementations: MemoryStore and PostgresStore.
type Store interface {
	CreateCampaign(ctx context.Context, c Campaign, numbers []string) (Campaign, error)
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	// ListCampaigns lists one account's campaigns, or all when accountID is empty.
	ListCampaigns(ctx context.Context, accountID string) ([]Campaign, error)
	ListByStatus(ctx context.Context, status Status) ([]Campaign, error)
	// SetStatus moves a campaign to `to` only if its status is one of from.
	// Otherwise ErrStaleTransition.
	SetStatus(ctx context.Context, id string, from []Status, to Status, reason PauseReason, detail string, now time.Time) (Campaign, error)

	// NextPending returns the lowest-Seq pending target or ErrNotFound.
	NextPending(ctx context.Context, campaignID string) (Target, error)
	// AdvanceTarget is a compare-and-set on the target status. callID is
	// recorded when non-empty.
	AdvanceTarget(ctx context.Context, targetID string, from, to TargetStatus, callID string, now time.Time) error
	// ReserveTarget moves a target from pending to reserved only while its
	// campaign is running. ErrNotRunning if the campaign left running,
	// ErrStaleTransition if the target is no longer pending.
	ReserveTarget(ctx context.Context, campaignID, targetID, callID string, now time.Time) error
	TargetCounts(ctx context.Context, campaignID string) (map[TargetStatus]int, error)

	// CreateCall stores a dialing record and moves its target from reserved
	// to dialing in the same write. ErrStaleTransition if the target is not
	// reserved.
	CreateCall(ctx context.Context, r calls.Record) error
	GetCall(ctx context.Context, correlationID string) (calls.Record, error)
	ListCalls(ctx context.Context, campaignID string) ([]calls.Record, error)
	SetCallChannel(ctx context.Context, correlationID, channel string) error

	// AnswerCall moves the record and its target to answered and bumps the
	// campaign's answered counter. ErrStaleTransition if not dialing.
	AnswerCall(ctx context.Context, correlationID string, at time.Time) (calls.Record, error)

	// FinishCall stores the terminal record, advances the target to
	// completed or failed and folds the outcome into the campaign counters,
	// all at once. ErrAlreadyTerminal if the stored record is terminal.
	FinishCall(ctx context.Context, r calls.Record) (calls.Record, error)

	// MarkPressed sets the keypress flag once and bumps the campaign's
	// pressed counter. applied is false when the flag was already set.
	MarkPressed(ctx context.Context, correlationID, digit string, at time.Time) (r calls.Record, applied bool, err error)
}

var (
	ErrNotFound        = errors.New("campaigns: not found")
	ErrInvalidArgument = errors.New("campaigns: invalid argument")
	ErrStaleTransition = errors.New("campaigns: stale state transition")
	ErrAlreadyTerminal = errors.New("campaigns: call already terminal")
	ErrNotRunning      = errors.New("campaigns: campaign not running")
)

// targetOutcome is the terminal target state for a terminal call status.
func targetOutcome(s calls.Status) TargetStatus {
	if s == calls.StatusCompleted {
		return TargetCompleted
	}
	return TargetFailed
}

// liveTarget is the target state matching a live call status.
func liveTarget(s calls.Status) TargetStatus {
	if s == calls.StatusAnswered {
		return TargetAnswered
	}
	return TargetDialing
}
