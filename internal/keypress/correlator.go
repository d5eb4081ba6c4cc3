// Package keypress matches out-of-band keypress notifications to call
// records and applies each at most once.
package keypress

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/config"
	"campaign-dialer/pkg/logger"
)

// Store is the slice of campaigns.Store the correlator needs.
type Store interface {
	MarkPressed(ctx context.Context, correlationID, digit string, at time.Time) (calls.Record, bool, error)
}

type Notification struct {
	CorrelationID string
	Destination   string
	Digit         string
	Timestamp     time.Time
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
)

var (
	ErrUnknownCallID       = errors.New("keypress: unknown call id")
	ErrInvalidNotification = errors.New("keypress: invalid notification")
)

// Correlator never touches billing.
type Correlator struct {
	store Store
	grace time.Duration
	retry time.Duration
	log   *slog.Logger
	clock func() time.Time
}

func NewCorrelator(store Store, cfg config.KeypressConfig, log *slog.Logger) *Correlator {
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = 250 * time.Millisecond
	}
	return &Correlator{
		store: store,
		grace: cfg.GracePeriod,
		retry: retry,
		log:   logger.Component(log, "keypress"),
		clock: time.Now,
	}
}

// Notify applies n. A notification that races ahead of its call record is
// retried until the grace period runs out, then reported as ErrUnknownCallID.
func (c *Correlator) Notify(ctx context.Context, n Notification) (Outcome, error) {
	n.CorrelationID = strings.TrimSpace(n.CorrelationID)
	if n.CorrelationID == "" {
		return "", ErrInvalidNotification
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = c.clock()
	}
	n.Timestamp = n.Timestamp.UTC()

	log := logger.ForRequest(ctx, c.log)
	deadline := c.clock().Add(c.grace)
	attempts := 0
	for {
		attempts++
		rec, applied, err := c.store.MarkPressed(ctx, n.CorrelationID, n.Digit, n.Timestamp)
		if err == nil {
			if !applied {
				log.Debug("duplicate keypress ignored", "correlation_id", n.CorrelationID)
				return OutcomeDuplicate, nil
			}
			if n.Destination != "" && rec.Destination != "" && n.Destination != rec.Destination {
				log.Warn("keypress destination mismatch", "correlation_id", n.CorrelationID, "reported", n.Destination, "dialed", rec.Destination)
			}
			log.Info("keypress recorded", "correlation_id", n.CorrelationID, "campaign_id", rec.CampaignID, "digit", n.Digit, "attempts", attempts)
			return OutcomeApplied, nil
		}
		if !errors.Is(err, campaigns.ErrNotFound) {
			return "", err
		}
		// the last attempt lands on the deadline
		wait := min(c.retry, deadline.Sub(c.clock()))
		if wait <= 0 {
			log.Warn("keypress for unknown call dropped", "correlation_id", n.CorrelationID, "attempts", attempts)
			return "", ErrUnknownCallID
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
}
