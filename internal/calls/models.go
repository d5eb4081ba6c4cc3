package calls

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is one dial attempt for one campaign target.
//
// CorrelationID is globally unique and is the only key used to match switch
// events and keypress notifications. It doubles as the switch channel id.
// Once terminal, a record is immutable except for the keypress flag, which
// is set at most once.
type Record struct {
	CorrelationID string `json:"correlation_id" db:"correlation_id"`
	CampaignID    string `json:"campaign_id" db:"campaign_id"`
	TargetID      string `json:"target_id" db:"target_id"`
	AccountID     string `json:"account_id" db:"account_id"`
	ReservationID string `json:"reservation_id,omitempty" db:"reservation_id"`

	Destination string `json:"destination" db:"destination"`
	CallerID    string `json:"caller_id" db:"caller_id"`
	Trunk       string `json:"trunk" db:"trunk"`
	Channel     string `json:"channel,omitempty" db:"channel"`

	Status    Status `json:"status" db:"status"`
	Cause     string `json:"cause,omitempty" db:"cause"`
	CauseCode int    `json:"cause_code,omitempty" db:"cause_code"`

	DurationSeconds int             `json:"duration_seconds" db:"duration_seconds"`
	BillableSeconds int             `json:"billable_seconds" db:"billable_seconds"`
	Cost            decimal.Decimal `json:"cost" db:"cost"`

	Pressed      bool       `json:"pressed" db:"pressed"`
	PressedDigit string     `json:"pressed_digit,omitempty" db:"pressed_digit"`
	PressedAt    *time.Time `json:"pressed_at,omitempty" db:"pressed_at"`

	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

type Status string

const (
	StatusDialing   Status = "dialing"
	StatusAnswered  Status = "answered"
	StatusCompleted Status = "completed"
	StatusNoAnswer  Status = "no_answer"
	StatusBusy      Status = "busy"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusNoAnswer, StatusBusy, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition enforces dialing -> answered -> completed, with the
// unanswered outcomes reachable from dialing only and failed reachable
// from any live state.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusDialing:
		switch to {
		case StatusAnswered, StatusNoAnswer, StatusBusy, StatusFailed:
			return true
		}
	case StatusAnswered:
		switch to {
		case StatusCompleted, StatusFailed:
			return true
		}
	}
	return false
}

// Outcome classifies how an unanswered attempt ended.
func Outcome(causeCode int) Status {
	switch causeCode {
	case CauseUserBusy:
		return StatusBusy
	case CauseNoUserResponse, CauseNoAnswer, CauseNormalClearing, CauseCallRejected, CauseOriginatorCancel:
		return StatusNoAnswer
	default:
		return StatusFailed
	}
}

// Q.850 cause codes reported in Hangup events.
const (
	CauseUnallocated      = 1
	CauseNormalClearing   = 16
	CauseUserBusy         = 17
	CauseNoUserResponse   = 18
	CauseNoAnswer         = 19
	CauseCallRejected     = 21
	CauseCongestion       = 34
	CauseOriginatorCancel = 127
)

// Originate failure reasons reported by OriginateResponse (Reason header).
const (
	ReasonNoSuchChannel = 0
	ReasonNoAnswer      = 3
	ReasonAnswered      = 4
	ReasonBusy          = 5
	ReasonCongestion    = 8
)

// OriginateOutcome maps an OriginateResponse failure Reason to a status and cause text.
func OriginateOutcome(reason int) (Status, string) {
	switch reason {
	case ReasonNoAnswer:
		return StatusNoAnswer, "no answer"
	case ReasonBusy:
		return StatusBusy, "busy"
	case ReasonCongestion:
		return StatusFailed, "congestion"
	case ReasonNoSuchChannel:
		return StatusFailed, "channel unavailable"
	default:
		return StatusFailed, "origination failed"
	}
}
