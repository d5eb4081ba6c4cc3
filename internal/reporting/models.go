package reporting

import (
	"time"

	"campaign-dialer/internal/campaigns"

	"github.com/shopspring/decimal"
)

// CampaignSummary is the presentation view of one campaign's progress.
type CampaignSummary struct {
	CampaignID string           `json:"campaign_id"`
	AccountID  string           `json:"account_id"`
	Name       string           `json:"name"`
	Status     campaigns.Status `json:"status"`

	PauseReason campaigns.PauseReason `json:"pause_reason,omitempty"`
	PauseDetail string                `json:"pause_detail,omitempty"`

	TotalTargets int `json:"total_targets"`
	Pending      int `json:"pending"`
	InFlight     int `json:"in_flight"`
	Completed    int `json:"completed"`
	Answered     int `json:"answered"`
	Pressed      int `json:"pressed"`
	Failed       int `json:"failed"`

	Targets map[campaigns.TargetStatus]int `json:"targets"`

	Spend decimal.Decimal `json:"spend"`

	// Progress is the share of targets in a terminal state.
	Progress float64 `json:"progress"`
	// AnswerRate is answered calls over settled calls.
	AnswerRate float64 `json:"answer_rate"`
	// ConversionRate is keypresses over answered calls.
	ConversionRate float64 `json:"conversion_rate"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// AccountSummary combines the credit position with every campaign of an account.
type AccountSummary struct {
	AccountID     string          `json:"account_id"`
	Balance       decimal.Decimal `json:"balance"`
	Held          decimal.Decimal `json:"held"`
	Available     decimal.Decimal `json:"available"`
	LifetimeSpend decimal.Decimal `json:"lifetime_spend"`

	ActiveCampaigns int               `json:"active_campaigns"`
	TotalCalls      int               `json:"total_calls"`
	TotalPressed    int               `json:"total_pressed"`
	Campaigns       []CampaignSummary `json:"campaigns"`

	GeneratedAt time.Time `json:"generated_at"`
}
