package audit

import "time"

// Event is an append-only audit record of an operator or system action.
// Events are never updated or deleted.
type Event struct {
	ID        string    `json:"id" db:"id"`
	AccountID string    `json:"account_id" db:"account_id"`
	Type      EventType `json:"type" db:"type"`

	// Actor is empty for actions taken by the dialer itself.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	CallID     string `json:"call_id,omitempty" db:"call_id"`
	PaymentRef string `json:"payment_ref,omitempty" db:"payment_ref"`

	Message  string `json:"message,omitempty" db:"message"`
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventCampaignCreated   EventType = "campaign_created"
	EventCampaignStarted   EventType = "campaign_started"
	EventCampaignPaused    EventType = "campaign_paused"
	EventCampaignResumed   EventType = "campaign_resumed"
	EventCampaignCompleted EventType = "campaign_completed"
	EventCreditGranted     EventType = "credit_granted"
	EventPersistenceFailed EventType = "persistence_failed"
)
