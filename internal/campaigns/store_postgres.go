package campaigns

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/pkg/utils"

	"github.com/google/uuid"
)

// PostgresStore persists campaigns, campaign_targets and call_records
// (see migrations/001_init.sql).
//
// Every call-lifecycle write locks the campaign row FOR UPDATE, so counter
// updates for one campaign are serialized with the target and record writes
// they accompany.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const campaignColumns = `id, account_id, name, caller_id, status, pause_reason, pause_detail,
total_targets, completed, answered, pressed, failed, cost,
created_at, updated_at, started_at, finished_at`

func scanCampaign(row interface{ Scan(...any) error }) (Campaign, error) {
	var c Campaign
	var started, finished sql.NullTime
	if err := row.Scan(
		&c.ID, &c.AccountID, &c.Name, &c.CallerID, &c.Status, &c.PauseReason, &c.PauseDetail,
		&c.TotalTargets, &c.Completed, &c.Answered, &c.Pressed, &c.Failed, &c.Cost,
		&c.CreatedAt, &c.UpdatedAt, &started, &finished,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, err
	}
	c.StartedAt = nullTime(started)
	c.FinishedAt = nullTime(finished)
	return c, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (s *PostgresStore) CreateCampaign(ctx context.Context, c Campaign, numbers []string) (Campaign, error) {
	c.TotalTargets = len(numbers)
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const ins = `
INSERT INTO campaigns (id, account_id, name, caller_id, status, pause_reason, pause_detail,
  total_targets, completed, answered, pressed, failed, cost, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,'','',$6,0,0,0,0,0,$7,$7)
`
		if _, err := tx.ExecContext(ctx, ins, c.ID, c.AccountID, c.Name, c.CallerID, c.Status, c.TotalTargets, c.CreatedAt); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO campaign_targets (id, campaign_id, seq, number, status, call_id, updated_at)
VALUES ($1,$2,$3,$4,'pending','',$5)
`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, n := range numbers {
			if _, err := stmt.ExecContext(ctx, uuid.NewString(), c.ID, i+1, n, c.CreatedAt); err != nil {
				return fmt.Errorf("insert target %d: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		return Campaign{}, err
	}
	return s.GetCampaign(ctx, c.ID)
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	return scanCampaign(s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
}

func (s *PostgresStore) listCampaigns(ctx context.Context, q string, args ...any) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListCampaigns(ctx context.Context, accountID string) ([]Campaign, error) {
	if accountID == "" {
		return s.listCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC`)
	}
	return s.listCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status) ([]Campaign, error) {
	return s.listCampaigns(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE status = $1 ORDER BY created_at ASC`, status)
}

func lockCampaign(ctx context.Context, tx *sql.Tx, id string) (Campaign, error) {
	return scanCampaign(tx.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 FOR UPDATE`, id))
}

func saveCampaign(ctx context.Context, tx *sql.Tx, c Campaign) error {
	const q = `
UPDATE campaigns
SET status = $2, pause_reason = $3, pause_detail = $4,
    completed = $5, answered = $6, pressed = $7, failed = $8, cost = $9,
    updated_at = $10, started_at = $11, finished_at = $12
WHERE id = $1
`
	_, err := tx.ExecContext(ctx, q, c.ID, c.Status, c.PauseReason, c.PauseDetail,
		c.Completed, c.Answered, c.Pressed, c.Failed, c.Cost,
		c.UpdatedAt, c.StartedAt, c.FinishedAt)
	return err
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, from []Status, to Status, reason PauseReason, detail string, now time.Time) (Campaign, error) {
	var out Campaign
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		c, err := lockCampaign(ctx, tx, id)
		if err != nil {
			return err
		}
		out = c
		allowed := false
		for _, f := range from {
			if c.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrStaleTransition
		}
		c = applyStatus(c, to, reason, detail, now)
		if err := saveCampaign(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

const targetColumns = `id, campaign_id, seq, number, status, call_id, updated_at`

func scanTarget(row interface{ Scan(...any) error }) (Target, error) {
	var t Target
	if err := row.Scan(&t.ID, &t.CampaignID, &t.Seq, &t.Number, &t.Status, &t.CallID, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Target{}, ErrNotFound
		}
		return Target{}, err
	}
	return t, nil
}

func (s *PostgresStore) NextPending(ctx context.Context, campaignID string) (Target, error) {
	const q = `SELECT ` + targetColumns + ` FROM campaign_targets
WHERE campaign_id = $1 AND status = 'pending' ORDER BY seq LIMIT 1`
	return scanTarget(s.db.QueryRowContext(ctx, q, campaignID))
}

func advanceTarget(ctx context.Context, ex interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, targetID string, from, to TargetStatus, callID string, now time.Time) error {
	if !CanAdvance(from, to) {
		return ErrStaleTransition
	}
	const q = `
UPDATE campaign_targets
SET status = $3, call_id = CASE WHEN $4 = '' THEN call_id ELSE $4 END, updated_at = $5
WHERE id = $1 AND status = $2
`
	res, err := ex.ExecContext(ctx, q, targetID, from, to, callID, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (s *PostgresStore) AdvanceTarget(ctx context.Context, targetID string, from, to TargetStatus, callID string, now time.Time) error {
	return advanceTarget(ctx, s.db, targetID, from, to, callID, now)
}

// ReserveTarget holds a share lock on the campaign row for the update, so
// it serialises with SetStatus and never reserves for a paused campaign.
func (s *PostgresStore) ReserveTarget(ctx context.Context, campaignID, targetID, callID string, now time.Time) error {
	const q = `
WITH running AS (
  SELECT id FROM campaigns WHERE id = $1 AND status = $2 FOR SHARE
)
UPDATE campaign_targets t
SET status = $5, call_id = $6, updated_at = $7
FROM running
WHERE t.id = $3 AND t.campaign_id = running.id AND t.status = $4
`
	res, err := s.db.ExecContext(ctx, q, campaignID, StatusRunning, targetID, TargetPending, TargetReserved, callID, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var st Status
	err = s.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, campaignID).Scan(&st)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return err
	case st != StatusRunning:
		return ErrNotRunning
	}
	return ErrStaleTransition
}

func (s *PostgresStore) TargetCounts(ctx context.Context, campaignID string) (map[TargetStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM campaign_targets WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[TargetStatus]int{}
	for rows.Next() {
		var st TargetStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

var callColumns = strings.Join([]string{
	"correlation_id", "campaign_id", "target_id", "account_id", "reservation_id",
	"destination", "caller_id", "trunk", "channel",
	"status", "cause", "cause_code",
	"duration_seconds", "billable_seconds", "cost",
	"pressed", "pressed_digit", "pressed_at",
	"started_at", "answered_at", "ended_at",
}, ", ")

func scanCall(row interface{ Scan(...any) error }) (calls.Record, error) {
	var r calls.Record
	var pressedAt, answeredAt, endedAt sql.NullTime
	if err := row.Scan(
		&r.CorrelationID, &r.CampaignID, &r.TargetID, &r.AccountID, &r.ReservationID,
		&r.Destination, &r.CallerID, &r.Trunk, &r.Channel,
		&r.Status, &r.Cause, &r.CauseCode,
		&r.DurationSeconds, &r.BillableSeconds, &r.Cost,
		&r.Pressed, &r.PressedDigit, &pressedAt,
		&r.StartedAt, &answeredAt, &endedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Record{}, ErrNotFound
		}
		return calls.Record{}, err
	}
	r.PressedAt = nullTime(pressedAt)
	r.AnsweredAt = nullTime(answeredAt)
	r.EndedAt = nullTime(endedAt)
	return r, nil
}

func (s *PostgresStore) CreateCall(ctx context.Context, r calls.Record) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := advanceTarget(ctx, tx, r.TargetID, TargetReserved, TargetDialing, r.CorrelationID, r.StartedAt); err != nil {
			return err
		}
		q := `INSERT INTO call_records (` + callColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`
		_, err := tx.ExecContext(ctx, q,
			r.CorrelationID, r.CampaignID, r.TargetID, r.AccountID, r.ReservationID,
			r.Destination, r.CallerID, r.Trunk, r.Channel,
			r.Status, r.Cause, r.CauseCode,
			r.DurationSeconds, r.BillableSeconds, r.Cost,
			r.Pressed, r.PressedDigit, r.PressedAt,
			r.StartedAt, r.AnsweredAt, r.EndedAt,
		)
		if utils.IsUniqueViolation(err) {
			return ErrInvalidArgument
		}
		return err
	})
}

func (s *PostgresStore) GetCall(ctx context.Context, correlationID string) (calls.Record, error) {
	return scanCall(s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM call_records WHERE correlation_id = $1`, correlationID))
}

func (s *PostgresStore) ListCalls(ctx context.Context, campaignID string) ([]calls.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+callColumns+` FROM call_records WHERE campaign_id = $1 ORDER BY started_at`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]calls.Record, 0)
	for rows.Next() {
		r, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetCallChannel(ctx context.Context, correlationID, channel string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE call_records SET channel = $2 WHERE correlation_id = $1`, correlationID, channel)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// withCall locks the call's campaign row, then loads the call row FOR UPDATE.
func (s *PostgresStore) withCall(ctx context.Context, correlationID string, fn func(ctx context.Context, tx *sql.Tx, c Campaign, r calls.Record) error) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		var campaignID string
		if err := tx.QueryRowContext(ctx, `SELECT campaign_id FROM call_records WHERE correlation_id = $1`, correlationID).Scan(&campaignID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		c, err := lockCampaign(ctx, tx, campaignID)
		if err != nil {
			return err
		}
		r, err := scanCall(tx.QueryRowContext(ctx, `SELECT `+callColumns+` FROM call_records WHERE correlation_id = $1 FOR UPDATE`, correlationID))
		if err != nil {
			return err
		}
		return fn(ctx, tx, c, r)
	})
}

func (s *PostgresStore) AnswerCall(ctx context.Context, correlationID string, at time.Time) (calls.Record, error) {
	var out calls.Record
	err := s.withCall(ctx, correlationID, func(ctx context.Context, tx *sql.Tx, c Campaign, r calls.Record) error {
		out = r
		if !calls.CanTransition(r.Status, calls.StatusAnswered) {
			return ErrStaleTransition
		}
		if err := advanceTarget(ctx, tx, r.TargetID, TargetDialing, TargetAnswered, "", at); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE call_records SET status = 'answered', answered_at = $2 WHERE correlation_id = $1`, correlationID, at); err != nil {
			return err
		}
		c.Answered++
		c.UpdatedAt = at
		if err := saveCampaign(ctx, tx, c); err != nil {
			return err
		}
		answered := at
		r.Status, r.AnsweredAt = calls.StatusAnswered, &answered
		out = r
		return nil
	})
	return out, err
}

func (s *PostgresStore) FinishCall(ctx context.Context, r calls.Record) (calls.Record, error) {
	var out calls.Record
	err := s.withCall(ctx, r.CorrelationID, func(ctx context.Context, tx *sql.Tx, c Campaign, cur calls.Record) error {
		out = cur
		if cur.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		if !calls.CanTransition(cur.Status, r.Status) || !r.Status.Terminal() {
			return ErrStaleTransition
		}
		now := time.Now().UTC()
		if r.EndedAt != nil {
			now = *r.EndedAt
		}
		to := targetOutcome(r.Status)
		if err := advanceTarget(ctx, tx, cur.TargetID, liveTarget(cur.Status), to, "", now); err != nil {
			return err
		}
		if r.Channel == "" {
			r.Channel = cur.Channel
		}
		const upd = `
UPDATE call_records
SET status = $2, cause = $3, cause_code = $4, channel = $5,
    duration_seconds = $6, billable_seconds = $7, cost = $8,
    answered_at = $9, ended_at = $10
WHERE correlation_id = $1
`
		if _, err := tx.ExecContext(ctx, upd, r.CorrelationID, r.Status, r.Cause, r.CauseCode, r.Channel,
			r.DurationSeconds, r.BillableSeconds, r.Cost, r.AnsweredAt, r.EndedAt); err != nil {
			return err
		}
		if to == TargetCompleted {
			c.Completed++
		} else {
			c.Failed++
		}
		c.Cost = c.Cost.Add(r.Cost)
		c.UpdatedAt = now
		if err := saveCampaign(ctx, tx, c); err != nil {
			return err
		}
		r.CampaignID, r.TargetID, r.AccountID, r.ReservationID = cur.CampaignID, cur.TargetID, cur.AccountID, cur.ReservationID
		r.Destination, r.CallerID, r.Trunk, r.StartedAt = cur.Destination, cur.CallerID, cur.Trunk, cur.StartedAt
		r.Pressed, r.PressedDigit, r.PressedAt = cur.Pressed, cur.PressedDigit, cur.PressedAt
		out = r
		return nil
	})
	return out, err
}

func (s *PostgresStore) MarkPressed(ctx context.Context, correlationID, digit string, at time.Time) (calls.Record, bool, error) {
	var out calls.Record
	var applied bool
	err := s.withCall(ctx, correlationID, func(ctx context.Context, tx *sql.Tx, c Campaign, r calls.Record) error {
		out = r
		if r.Pressed {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE call_records SET pressed = TRUE, pressed_digit = $2, pressed_at = $3 WHERE correlation_id = $1`, correlationID, digit, at); err != nil {
			return err
		}
		c.Pressed++
		c.UpdatedAt = at
		if err := saveCampaign(ctx, tx, c); err != nil {
			return err
		}
		pressedAt := at
		r.Pressed, r.PressedDigit, r.PressedAt = true, digit, &pressedAt
		out, applied = r, true
		return nil
	})
	return out, applied, err
}
