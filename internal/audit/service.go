package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"campaign-dialer/pkg/logger"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events. Append only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records audit events. Callers treat it as best-effort: Record logs
// failures instead of returning them so audit never blocks dialing.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{repo: repo, log: logger.Component(log, "audit"), clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.AccountID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record appends e and logs on failure.
func (s *Service) Record(ctx context.Context, e Event) {
	if s == nil {
		return
	}
	if err := s.Append(ctx, e); err != nil {
		s.log.Warn("audit append failed", "type", string(e.Type), "account_id", e.AccountID, "err", err)
	}
}
