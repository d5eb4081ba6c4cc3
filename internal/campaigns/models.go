package campaigns

import (
	"time"

	"github.com/shopspring/decimal"
)

// Campaign is a batch of destinations dialed for one account.
//
// Counters are maintained incrementally as calls settle and always converge
// to the aggregate of the targets' terminal states.
type Campaign struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	Name      string `json:"name" db:"name"`
	CallerID  string `json:"caller_id" db:"caller_id"`

	Status      Status      `json:"status" db:"status"`
	PauseReason PauseReason `json:"pause_reason,omitempty" db:"pause_reason"`
	PauseDetail string      `json:"pause_detail,omitempty" db:"pause_detail"`

	TotalTargets int             `json:"total_targets" db:"total_targets"`
	Completed    int             `json:"completed" db:"completed"`
	Answered     int             `json:"answered" db:"answered"`
	Pressed      int             `json:"pressed" db:"pressed"`
	Failed       int             `json:"failed" db:"failed"`
	Cost         decimal.Decimal `json:"cost" db:"cost"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// PauseReason tells an operator why a campaign stopped admitting targets.
type PauseReason string

const (
	PauseNone               PauseReason = ""
	PauseOperator           PauseReason = "operator"
	PauseInsufficientCredit PauseReason = "insufficient_credit"
	PausePersistenceError   PauseReason = "persistence_error"
)

// Target is one destination of a campaign. Targets are created in bulk and
// dialed in Seq order.
type Target struct {
	ID         string       `json:"id" db:"id"`
	CampaignID string       `json:"campaign_id" db:"campaign_id"`
	Seq        int          `json:"seq" db:"seq"`
	Number     string       `json:"number" db:"number"`
	Status     TargetStatus `json:"status" db:"status"`
	CallID     string       `json:"call_id,omitempty" db:"call_id"`
	UpdatedAt  time.Time    `json:"updated_at" db:"updated_at"`
}

type TargetStatus string

const (
	TargetPending   TargetStatus = "pending"
	TargetReserved  TargetStatus = "reserved"
	TargetDialing   TargetStatus = "dialing"
	TargetAnswered  TargetStatus = "answered"
	TargetCompleted TargetStatus = "completed"
	TargetFailed    TargetStatus = "failed"
)

func (s TargetStatus) Terminal() bool {
	return s == TargetCompleted || s == TargetFailed
}

// CanAdvance is the target state machine. reserved -> pending is the
// rollback taken when a reserved target could not be handed to the switch.
func CanAdvance(from, to TargetStatus) bool {
	switch from {
	case TargetPending:
		return to == TargetReserved
	case TargetReserved:
		return to == TargetDialing || to == TargetPending
	case TargetDialing:
		return to == TargetAnswered || to == TargetFailed
	case TargetAnswered:
		return to == TargetCompleted || to == TargetFailed
	}
	return false
}
