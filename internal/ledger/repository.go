package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"campaign-dialer/pkg/utils"

	"github.com/shopspring/decimal"
)

// PostgresRepo stores the ledger in three tables (see migrations/001_init.sql):
// accounts, credit_reservations, credit_grants (payment_ref primary key).
//
// Per-account serialization comes from locking the accounts row FOR UPDATE
// inside every mutating transaction.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const accountColumns = `id, balance, held, lifetime_spend, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.Balance, &a.Held, &a.LifetimeSpend, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func upsertAccount(ctx context.Context, tx *sql.Tx, accountID string, now time.Time) error {
	const q = `
INSERT INTO accounts (id, balance, held, lifetime_spend, created_at, updated_at)
VALUES ($1, 0, 0, 0, $2, $2)
ON CONFLICT (id) DO NOTHING
`
	_, err := tx.ExecContext(ctx, q, accountID, now)
	return err
}

func lockAccount(ctx context.Context, tx *sql.Tx, accountID string) (Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	return scanAccount(tx.QueryRowContext(ctx, q, accountID))
}

func saveAccount(ctx context.Context, tx *sql.Tx, a Account) error {
	const q = `
UPDATE accounts
SET balance = $2, held = $3, lifetime_spend = $4, updated_at = $5
WHERE id = $1
`
	_, err := tx.ExecContext(ctx, q, a.ID, a.Balance, a.Held, a.LifetimeSpend, a.UpdatedAt)
	return err
}

func (r *PostgresRepo) EnsureAccount(ctx context.Context, accountID string, now time.Time) (Account, error) {
	var out Account
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := upsertAccount(ctx, tx, accountID, now); err != nil {
			return err
		}
		a, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
		out = a
		return err
	})
	return out, err
}

func (r *PostgresRepo) GetAccount(ctx context.Context, accountID string) (Account, error) {
	return scanAccount(r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
}

func (r *PostgresRepo) Hold(ctx context.Context, res Reservation) (Account, error) {
	var out Account
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		a, err := lockAccount(ctx, tx, res.AccountID)
		if err != nil {
			return err
		}
		out = a
		if a.Available().LessThan(res.Estimated) {
			return ErrInsufficientCredit
		}
		const q = `
INSERT INTO credit_reservations (id, account_id, call_id, estimated, actual, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
		if _, err := tx.ExecContext(ctx, q, res.ID, res.AccountID, res.CallID, res.Estimated, res.Actual, res.Status, res.CreatedAt); err != nil {
			return err
		}
		a.Held = a.Held.Add(res.Estimated)
		a.UpdatedAt = res.CreatedAt
		if err := saveAccount(ctx, tx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

func (r *PostgresRepo) Resolve(ctx context.Context, reservationID string, status ReservationStatus, actual decimal.Decimal, now time.Time) (Reservation, Account, error) {
	var outRes Reservation
	var outAcct Account
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const sel = `
SELECT id, account_id, call_id, estimated, actual, status, created_at, resolved_at
FROM credit_reservations
WHERE id = $1
`
		var res Reservation
		var resolvedAt sql.NullTime
		if err := tx.QueryRowContext(ctx, sel, reservationID).Scan(
			&res.ID, &res.AccountID, &res.CallID, &res.Estimated, &res.Actual, &res.Status, &res.CreatedAt, &resolvedAt,
		); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			res.ResolvedAt = &t
		}

		// Account lock first; it serializes every resolution for this account,
		// including a concurrent second resolution of the same reservation.
		a, err := lockAccount(ctx, tx, res.AccountID)
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT status FROM credit_reservations WHERE id = $1`, reservationID).Scan(&res.Status); err != nil {
			return err
		}
		outRes, outAcct = res, a
		if res.Status != ReservationHeld {
			return ErrReservationResolved
		}

		a, res = settle(a, res, status, actual, now)
		const upd = `
UPDATE credit_reservations SET status = $2, actual = $3, resolved_at = $4
WHERE id = $1 AND status = 'held'
`
		if _, err := tx.ExecContext(ctx, upd, res.ID, res.Status, res.Actual, now); err != nil {
			return err
		}
		if err := saveAccount(ctx, tx, a); err != nil {
			return err
		}
		outRes, outAcct = res, a
		return nil
	})
	return outRes, outAcct, err
}

func (r *PostgresRepo) ApplyGrant(ctx context.Context, g Grant) (Account, bool, error) {
	var out Account
	var applied bool
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := upsertAccount(ctx, tx, g.AccountID, g.CreatedAt); err != nil {
			return err
		}
		a, err := lockAccount(ctx, tx, g.AccountID)
		if err != nil {
			return err
		}
		out = a

		const ins = `
INSERT INTO credit_grants (payment_ref, account_id, amount, source, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (payment_ref) DO NOTHING
`
		res, err := tx.ExecContext(ctx, ins, g.PaymentRef, g.AccountID, g.Amount, g.Source, g.CreatedAt)
		if err != nil {
			if utils.IsUniqueViolation(err) {
				return nil
			}
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		a.Balance = a.Balance.Add(g.Amount)
		a.UpdatedAt = g.CreatedAt
		if err := saveAccount(ctx, tx, a); err != nil {
			return err
		}
		out = a
		applied = true
		return nil
	})
	return out, applied, err
}
