package pricing

import (
	"errors"
	"time"

	"campaign-dialer/internal/config"

	"github.com/shopspring/decimal"
)

// Plan is the per-second billing rule applied to answered calls.
//
// Talk time is rounded up to IncrementSeconds with a floor of MinimumSeconds,
// then charged at RatePerMinute pro rata. Unanswered attempts cost nothing.
type Plan struct {
	RatePerMinute    decimal.Decimal
	IncrementSeconds int
	MinimumSeconds   int

	// EstimateSeconds sizes the credit reserved before an attempt is dialed.
	EstimateSeconds int
}

// Charge is the billing outcome of one call.
type Charge struct {
	BillableSeconds int             `json:"billable_seconds"`
	Cost            decimal.Decimal `json:"cost"`
}

var ErrInvalidPlan = errors.New("pricing: invalid plan")

var sixty = decimal.NewFromInt(60)

// costPrecision is the number of decimal places kept on charges.
const costPrecision = 4

func NewPlan(cfg config.BillingConfig) (Plan, error) {
	p := Plan{
		RatePerMinute:    cfg.RatePerMinute,
		IncrementSeconds: cfg.IncrementSeconds,
		MinimumSeconds:   cfg.MinimumSeconds,
		EstimateSeconds:  cfg.EstimateSeconds,
	}
	return p, p.Validate()
}

func (p Plan) Validate() error {
	if !p.RatePerMinute.IsPositive() {
		return ErrInvalidPlan
	}
	if p.IncrementSeconds <= 0 || p.MinimumSeconds < 0 || p.EstimateSeconds < 0 {
		return ErrInvalidPlan
	}
	return nil
}

// Charge computes the bill for a call. talk is the answer-to-hangup interval and
// is truncated to whole seconds the way the switch reports billsec.
func (p Plan) Charge(answered bool, talk time.Duration) Charge {
	if !answered {
		return Charge{Cost: decimal.Zero}
	}
	sec := billableSeconds(int(talk/time.Second), p.MinimumSeconds, p.IncrementSeconds)
	return Charge{BillableSeconds: sec, Cost: p.Cost(sec)}
}

// Cost prices a number of billable seconds.
func (p Plan) Cost(billableSec int) decimal.Decimal {
	if billableSec <= 0 {
		return decimal.Zero
	}
	return p.RatePerMinute.Mul(decimal.NewFromInt(int64(billableSec))).Div(sixty).Round(costPrecision)
}

// Estimate is the amount reserved per attempt. It is never below the floor price.
func (p Plan) Estimate() decimal.Decimal {
	return p.Cost(billableSeconds(p.EstimateSeconds, p.MinimumSeconds, p.IncrementSeconds))
}

func billableSeconds(actualSec int, minSec int, incrementSec int) int {
	if actualSec < 0 {
		return 0
	}
	if minSec <= 0 {
		minSec = 0
	}
	if incrementSec <= 0 {
		incrementSec = 60
	}

	sec := actualSec
	if sec < minSec {
		sec = minSec
	}

	// round up to nearest increment
	q := sec / incrementSec
	r := sec % incrementSec
	if r != 0 {
		q++
	}
	return q * incrementSec
}
