package campaigns

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"campaign-dialer/internal/audit"
	"campaign-dialer/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Actor identifies who issued a command. Empty UserID means the dialer itself.
type Actor struct {
	UserID    string
	AccountID string
	Role      string
}

type CreateRequest struct {
	AccountID string   `json:"account_id"`
	Name      string   `json:"name"`
	CallerID  string   `json:"caller_id"`
	Numbers   []string `json:"numbers"`
}

const maxNameLen = 120

// Service implements the campaign commands on top of a Store.
type Service struct {
	store Store
	audit *audit.Service
	log   *slog.Logger
	clock func() time.Time
}

func NewService(store Store, auditSvc *audit.Service, log *slog.Logger) *Service {
	return &Service{store: store, audit: auditSvc, log: logger.Component(log, "campaigns"), clock: time.Now}
}

// Store exposes the underlying repository to collaborators that share it.
func (s *Service) Store() Store { return s.store }

// Create validates the request and stores a draft campaign with one pending
// target per distinct normalized number, in input order.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateRequest) (Campaign, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.Name = strings.TrimSpace(req.Name)
	if req.AccountID == "" {
		return Campaign{}, fmt.Errorf("%w: account_id is required", ErrInvalidArgument)
	}
	if req.Name == "" || len(req.Name) > maxNameLen {
		return Campaign{}, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidArgument, maxNameLen)
	}
	numbers := NormalizeNumbers(req.Numbers)
	if len(numbers) == 0 {
		return Campaign{}, fmt.Errorf("%w: no valid numbers", ErrInvalidArgument)
	}

	now := s.clock().UTC()
	c := Campaign{
		ID:        uuid.NewString(),
		AccountID: req.AccountID,
		Name:      req.Name,
		CallerID:  normalizeNumber(req.CallerID),
		Status:    StatusDraft,
		Cost:      decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	out, err := s.store.CreateCampaign(ctx, c, numbers)
	if err != nil {
		return Campaign{}, err
	}
	s.log.Info("campaign created", "campaign_id", out.ID, "account_id", out.AccountID, "targets", out.TotalTargets)
	s.record(ctx, actor, out, audit.EventCampaignCreated, fmt.Sprintf("%d targets", out.TotalTargets))
	return out, nil
}

// Get returns a campaign. A non-empty accountID scopes the lookup; a campaign
// owned by another account reads as ErrNotFound.
func (s *Service) Get(ctx context.Context, accountID, id string) (Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return Campaign{}, err
	}
	if accountID != "" && c.AccountID != accountID {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (s *Service) List(ctx context.Context, accountID string) ([]Campaign, error) {
	return s.store.ListCampaigns(ctx, accountID)
}

func (s *Service) Start(ctx context.Context, actor Actor, id string) (Campaign, error) {
	return s.transition(ctx, actor, id, []Status{StatusDraft}, StatusRunning, PauseNone, "", audit.EventCampaignStarted)
}

// Pause stops admissions. Calls already in flight finish normally.
func (s *Service) Pause(ctx context.Context, actor Actor, id string) (Campaign, error) {
	return s.transition(ctx, actor, id, []Status{StatusRunning}, StatusPaused, PauseOperator, "", audit.EventCampaignPaused)
}

func (s *Service) Resume(ctx context.Context, actor Actor, id string) (Campaign, error) {
	return s.transition(ctx, actor, id, []Status{StatusPaused}, StatusRunning, PauseNone, "", audit.EventCampaignResumed)
}

// SystemPause is the dialer's own pause, e.g. when credit runs out.
// A campaign that is no longer running is left alone.
func (s *Service) SystemPause(ctx context.Context, id string, reason PauseReason, detail string) (Campaign, error) {
	c, err := s.transition(ctx, Actor{}, id, []Status{StatusRunning}, StatusPaused, reason, detail, audit.EventCampaignPaused)
	if errors.Is(err, ErrStaleTransition) {
		return c, nil
	}
	return c, err
}

// CompleteIfDrained marks a running or paused campaign completed once every
// target is terminal. done reports whether the campaign is now completed.
func (s *Service) CompleteIfDrained(ctx context.Context, id string) (done bool, err error) {
	counts, err := s.store.TargetCounts(ctx, id)
	if err != nil {
		return false, err
	}
	for st, n := range counts {
		if n > 0 && !st.Terminal() {
			return false, nil
		}
	}
	_, err = s.transition(ctx, Actor{}, id, []Status{StatusRunning, StatusPaused}, StatusCompleted, PauseNone, "", audit.EventCampaignCompleted)
	if errors.Is(err, ErrStaleTransition) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) transition(ctx context.Context, actor Actor, id string, from []Status, to Status, reason PauseReason, detail string, ev audit.EventType) (Campaign, error) {
	if actor.AccountID != "" {
		if _, err := s.Get(ctx, actor.AccountID, id); err != nil {
			return Campaign{}, err
		}
	}
	c, err := s.store.SetStatus(ctx, id, from, to, reason, detail, s.clock().UTC())
	if err != nil {
		return c, err
	}
	attrs := []any{"campaign_id", c.ID, "status", string(c.Status)}
	if c.PauseReason != PauseNone {
		attrs = append(attrs, "reason", string(c.PauseReason))
	}
	s.log.Info("campaign status changed", attrs...)
	msg := string(reason)
	if detail != "" {
		msg = strings.TrimPrefix(msg+": "+detail, ": ")
	}
	s.record(ctx, actor, c, ev, msg)
	return c, nil
}

func (s *Service) record(ctx context.Context, actor Actor, c Campaign, ev audit.EventType, msg string) {
	s.audit.Record(ctx, audit.Event{
		AccountID:   c.AccountID,
		Type:        ev,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		CampaignID:  c.ID,
		Message:     msg,
	})
}

// normalizeNumber keeps digits only.
func normalizeNumber(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeNumbers strips formatting and drops empty and repeated numbers,
// keeping first-seen order.
func NormalizeNumbers(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		n := normalizeNumber(r)
		if len(n) < 3 {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// ParseNumbers reads an upload: CSV uses the first column, anything else is
// one number per line.
func ParseNumbers(r io.Reader, isCSV bool) ([]string, error) {
	var out []string
	if isCSV {
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1
		for {
			rec, err := cr.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
			}
			if len(rec) > 0 {
				out = append(out, rec[0])
			}
		}
		return NormalizeNumbers(out), nil
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return NormalizeNumbers(out), nil
}
