package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"campaign-dialer/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository persists accounts, reservations and grants.
//
// Every method is atomic and serialized per account. Implementations:
// PostgresRepo (row locks) and MemoryRepo (mutex).
type Repository interface {
	EnsureAccount(ctx context.Context, accountID string, now time.Time) (Account, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)

	// Hold records r and adds r.Estimated to the account's held amount,
	// failing with ErrInsufficientCredit when available credit is short.
	Hold(ctx context.Context, r Reservation) (Account, error)

	// Resolve moves a held reservation to status. For commits, actual is
	// debited, capped so the account stays covered. A reservation that is
	// not held yields ErrReservationResolved and the stored reservation.
	Resolve(ctx context.Context, reservationID string, status ReservationStatus, actual decimal.Decimal, now time.Time) (Reservation, Account, error)

	// ApplyGrant credits g once per PaymentRef; applied is false for a replay.
	ApplyGrant(ctx context.Context, g Grant) (acct Account, applied bool, err error)
}

var (
	ErrNotFound            = errors.New("ledger: not found")
	ErrInvalidArgument     = errors.New("ledger: invalid argument")
	ErrInsufficientCredit  = errors.New("ledger: insufficient credit")
	ErrReservationResolved = errors.New("ledger: reservation already resolved")
)

// Service is the credit ledger: two-phase reserve/commit per call plus grants.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	return &Service{repo: repo, log: logger.Component(log, "ledger"), clock: time.Now}
}

func (s *Service) EnsureAccount(ctx context.Context, accountID string) (Account, error) {
	if strings.TrimSpace(accountID) == "" {
		return Account{}, ErrInvalidArgument
	}
	return s.repo.EnsureAccount(ctx, accountID, s.clock().UTC())
}

func (s *Service) Account(ctx context.Context, accountID string) (Account, error) {
	if strings.TrimSpace(accountID) == "" {
		return Account{}, ErrInvalidArgument
	}
	return s.repo.GetAccount(ctx, accountID)
}

// Reserve holds estimated credit for one call attempt.
func (s *Service) Reserve(ctx context.Context, accountID, callID string, estimated decimal.Decimal) (Reservation, error) {
	if strings.TrimSpace(accountID) == "" || !estimated.IsPositive() {
		return Reservation{}, ErrInvalidArgument
	}
	r := Reservation{
		ID:        uuid.NewString(),
		AccountID: accountID,
		CallID:    callID,
		Estimated: estimated,
		Actual:    decimal.Zero,
		Status:    ReservationHeld,
		CreatedAt: s.clock().UTC(),
	}
	acct, err := s.repo.Hold(ctx, r)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredit) {
			s.log.Info("reservation refused", "account_id", accountID, "estimated", estimated.String(), "available", acct.Available().String())
		}
		return Reservation{}, err
	}
	s.log.Debug("credit reserved", "account_id", accountID, "reservation_id", r.ID, "estimated", estimated.String())
	return r, nil
}

// Commit charges actual against the reservation and releases the rest of the hold.
func (s *Service) Commit(ctx context.Context, reservationID string, actual decimal.Decimal) (Reservation, error) {
	if reservationID == "" || actual.IsNegative() {
		return Reservation{}, ErrInvalidArgument
	}
	return s.resolve(ctx, reservationID, ReservationCommitted, actual)
}

// Release drops the hold without charging.
func (s *Service) Release(ctx context.Context, reservationID string) (Reservation, error) {
	if reservationID == "" {
		return Reservation{}, ErrInvalidArgument
	}
	return s.resolve(ctx, reservationID, ReservationReleased, decimal.Zero)
}

func (s *Service) resolve(ctx context.Context, reservationID string, status ReservationStatus, actual decimal.Decimal) (Reservation, error) {
	r, acct, err := s.repo.Resolve(ctx, reservationID, status, actual, s.clock().UTC())
	if err != nil {
		if errors.Is(err, ErrReservationResolved) {
			s.log.Error("reservation resolved twice",
				"reservation_id", reservationID,
				"requested", string(status),
				"current", string(r.Status),
			)
		}
		return r, err
	}
	if status == ReservationCommitted && r.Actual.LessThan(actual) {
		s.log.Warn("charge capped by balance",
			"reservation_id", reservationID,
			"account_id", r.AccountID,
			"requested", actual.String(),
			"charged", r.Actual.String(),
		)
	}
	s.log.Debug("reservation resolved",
		"reservation_id", reservationID,
		"status", string(status),
		"actual", r.Actual.String(),
		"balance", acct.Balance.String(),
	)
	return r, nil
}

// Grant credits a confirmed payment. A repeated PaymentRef is a reported no-op.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (GrantResult, error) {
	req.PaymentRef = strings.TrimSpace(req.PaymentRef)
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.PaymentRef == "" || req.AccountID == "" || !req.Amount.IsPositive() {
		return GrantResult{}, ErrInvalidArgument
	}
	g := Grant{
		PaymentRef: req.PaymentRef,
		AccountID:  req.AccountID,
		Amount:     req.Amount,
		Source:     req.Source,
		CreatedAt:  s.clock().UTC(),
	}
	acct, applied, err := s.repo.ApplyGrant(ctx, g)
	if err != nil {
		return GrantResult{}, err
	}
	if !applied {
		s.log.Info("duplicate grant ignored", "payment_ref", g.PaymentRef, "account_id", g.AccountID)
		return GrantResult{Account: acct, Duplicate: true}, nil
	}
	s.log.Info("credit granted", "payment_ref", g.PaymentRef, "account_id", g.AccountID, "amount", g.Amount.String(), "source", g.Source)
	return GrantResult{Account: acct}, nil
}

// settle applies a resolution to an account snapshot. Shared by both repositories.
func settle(acct Account, r Reservation, status ReservationStatus, actual decimal.Decimal, now time.Time) (Account, Reservation) {
	held := acct.Held.Sub(r.Estimated)
	if held.IsNegative() {
		held = decimal.Zero
	}
	charged := decimal.Zero
	if status == ReservationCommitted {
		// Keep every other open hold covered and the balance non-negative.
		limit := acct.Balance.Sub(held)
		charged = decimal.Min(actual, limit)
		if charged.IsNegative() {
			charged = decimal.Zero
		}
	}
	acct.Held = held
	acct.Balance = acct.Balance.Sub(charged)
	acct.LifetimeSpend = acct.LifetimeSpend.Add(charged)
	acct.UpdatedAt = now

	r.Status = status
	r.Actual = charged
	resolvedAt := now
	r.ResolvedAt = &resolvedAt
	return acct, r
}
