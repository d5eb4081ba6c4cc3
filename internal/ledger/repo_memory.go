package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu           sync.Mutex
	accounts     map[string]Account
	reservations map[string]Reservation
	grants       map[string]Grant
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		accounts:     map[string]Account{},
		reservations: map[string]Reservation{},
		grants:       map[string]Grant{},
	}
}

func (r *MemoryRepo) EnsureAccount(ctx context.Context, accountID string, now time.Time) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(accountID, now), nil
}

func (r *MemoryRepo) ensureLocked(accountID string, now time.Time) Account {
	if a, ok := r.accounts[accountID]; ok {
		return a
	}
	a := Account{
		ID:            accountID,
		Balance:       decimal.Zero,
		Held:          decimal.Zero,
		LifetimeSpend: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.accounts[accountID] = a
	return a
}

func (r *MemoryRepo) GetAccount(ctx context.Context, accountID string) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) Hold(ctx context.Context, res Reservation) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[res.AccountID]
	if !ok {
		return Account{}, ErrNotFound
	}
	if a.Available().LessThan(res.Estimated) {
		return a, ErrInsufficientCredit
	}
	a.Held = a.Held.Add(res.Estimated)
	a.UpdatedAt = res.CreatedAt
	r.accounts[a.ID] = a
	r.reservations[res.ID] = res
	return a, nil
}

func (r *MemoryRepo) Resolve(ctx context.Context, reservationID string, status ReservationStatus, actual decimal.Decimal, now time.Time) (Reservation, Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[reservationID]
	if !ok {
		return Reservation{}, Account{}, ErrNotFound
	}
	a := r.accounts[res.AccountID]
	if res.Status != ReservationHeld {
		return res, a, ErrReservationResolved
	}
	a, res = settle(a, res, status, actual, now)
	r.accounts[a.ID] = a
	r.reservations[res.ID] = res
	return res, a, nil
}

func (r *MemoryRepo) ApplyGrant(ctx context.Context, g Grant) (Account, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.grants[g.PaymentRef]; dup {
		a := r.ensureLocked(g.AccountID, g.CreatedAt)
		return a, false, nil
	}
	a := r.ensureLocked(g.AccountID, g.CreatedAt)
	a.Balance = a.Balance.Add(g.Amount)
	a.UpdatedAt = g.CreatedAt
	r.accounts[a.ID] = a
	r.grants[g.PaymentRef] = g
	return a, true, nil
}

// Reservation returns a stored reservation; used by tests and diagnostics.
func (r *MemoryRepo) Reservation(id string) (Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[id]
	return res, ok
}
