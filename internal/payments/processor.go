// Package payments turns confirmed payments into ledger credit. Payments
// arrive on an AMQP queue or through the provider webhook; both paths share
// the same de-duplication by payment reference.
package payments

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/ledger"
	"campaign-dialer/pkg/logger"

	"github.com/shopspring/decimal"
)

// Granter is the ledger operation a payment resolves to.
type Granter interface {
	Grant(ctx context.Context, req ledger.GrantRequest) (ledger.GrantResult, error)
}

// Notice is a payment report. TrackID and UserID are legacy aliases of
// PaymentRef and AccountID.
type Notice struct {
	PaymentRef string          `json:"payment_ref"`
	TrackID    string          `json:"track_id,omitempty"`
	AccountID  string          `json:"account_id"`
	UserID     string          `json:"user_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Source     string          `json:"source"`

	// Status is optional on the queue, where only confirmed payments are
	// published.
	Status string `json:"status,omitempty"`
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

type Result struct {
	Outcome Outcome        `json:"status"`
	Account ledger.Account `json:"account"`
}

var ErrInvalidNotice = errors.New("payments: invalid notice")

type Processor struct {
	ledger Granter
	audit  *audit.Service
	log    *slog.Logger
}

func NewProcessor(g Granter, auditSvc *audit.Service, log *slog.Logger) *Processor {
	return &Processor{ledger: g, audit: auditSvc, log: logger.Component(log, "payments")}
}

// Confirmed reports whether a provider status means the money arrived.
func Confirmed(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "complete", "completed", "confirmed":
		return true
	default:
		return false
	}
}

// Apply credits n once per payment reference. requireStatus makes an empty
// status count as unconfirmed.
func (p *Processor) Apply(ctx context.Context, n Notice, requireStatus bool) (Result, error) {
	if n.PaymentRef == "" {
		n.PaymentRef = n.TrackID
	}
	if n.AccountID == "" {
		n.AccountID = n.UserID
	}
	if n.Status != "" || requireStatus {
		if !Confirmed(n.Status) {
			logger.ForRequest(ctx, p.log).Info("unconfirmed payment ignored", "payment_ref", n.PaymentRef, "status", n.Status)
			return Result{Outcome: OutcomeIgnored}, nil
		}
	}
	source := n.Source
	if source == "" {
		source = "payment"
	}

	res, err := p.ledger.Grant(ctx, ledger.GrantRequest{
		PaymentRef: n.PaymentRef,
		AccountID:  n.AccountID,
		Amount:     n.Amount,
		Source:     source,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidArgument) {
			return Result{}, ErrInvalidNotice
		}
		return Result{}, err
	}
	if res.Duplicate {
		logger.ForRequest(ctx, p.log).Debug("duplicate payment ignored", "payment_ref", n.PaymentRef)
		return Result{Outcome: OutcomeDuplicate, Account: res.Account}, nil
	}
	p.audit.Record(ctx, audit.Event{
		AccountID:  n.AccountID,
		Type:       audit.EventCreditGranted,
		PaymentRef: n.PaymentRef,
		Message:    n.Amount.String() + " via " + source,
	})
	return Result{Outcome: OutcomeApplied, Account: res.Account}, nil
}
