package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the credit holder that campaigns bill against.
//
// Invariants:
// - Balance is never negative.
// - Held (sum of open reservations) never exceeds Balance.
// - Only this package mutates an account.
type Account struct {
	ID            string          `json:"id" db:"id"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	Held          decimal.Decimal `json:"held" db:"held"`
	LifetimeSpend decimal.Decimal `json:"lifetime_spend" db:"lifetime_spend"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Available is the credit that can still be reserved.
func (a Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Held)
}

type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is a hold placed before a call is dialed. It resolves exactly once.
type Reservation struct {
	ID        string            `json:"id" db:"id"`
	AccountID string            `json:"account_id" db:"account_id"`
	CallID    string            `json:"call_id,omitempty" db:"call_id"`
	Estimated decimal.Decimal   `json:"estimated" db:"estimated"`
	Actual    decimal.Decimal   `json:"actual" db:"actual"`
	Status    ReservationStatus `json:"status" db:"status"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Grant is a confirmed payment credited to an account. PaymentRef is unique.
type Grant struct {
	PaymentRef string          `json:"payment_ref" db:"payment_ref"`
	AccountID  string          `json:"account_id" db:"account_id"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Source     string          `json:"source" db:"source"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

type GrantRequest struct {
	PaymentRef string          `json:"payment_ref"`
	AccountID  string          `json:"account_id"`
	Amount     decimal.Decimal `json:"amount"`
	Source     string          `json:"source"`
}

type GrantResult struct {
	Account   Account `json:"account"`
	Duplicate bool    `json:"duplicate"`
}
