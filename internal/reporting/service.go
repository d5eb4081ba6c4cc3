package reporting

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/ledger"
	"campaign-dialer/pkg/logger"
	"campaign-dialer/pkg/utils"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// CampaignReader is the read side of campaigns.Store used for summaries.
type CampaignReader interface {
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	ListCampaigns(ctx context.Context, accountID string) ([]campaigns.Campaign, error)
	TargetCounts(ctx context.Context, campaignID string) (map[campaigns.TargetStatus]int, error)
}

type AccountReader interface {
	Account(ctx context.Context, accountID string) (ledger.Account, error)
}

// Service derives campaign progress. Summaries are read-only snapshots and
// may lag the store by up to the cache TTL.
type Service struct {
	campaigns CampaignReader
	accounts  AccountReader
	cache     Cache
	ttl       time.Duration
	log       *slog.Logger
	clock     func() time.Time
}

func NewService(cr CampaignReader, ar AccountReader, cache Cache, ttl time.Duration, log *slog.Logger) *Service {
	return &Service{
		campaigns: cr,
		accounts:  ar,
		cache:     cache,
		ttl:       ttl,
		log:       logger.Component(log, "reporting"),
		clock:     time.Now,
	}
}

// CampaignSummary returns the summary of one campaign. A non-empty accountID
// scopes the lookup; another account's campaign reads as not found.
func (s *Service) CampaignSummary(ctx context.Context, accountID, campaignID string) (CampaignSummary, error) {
	if campaignID == "" {
		return CampaignSummary{}, ErrInvalidRequest
	}
	var out CampaignSummary
	if s.cached(ctx, "campaign:"+campaignID, &out) {
		if accountID != "" && out.AccountID != accountID {
			return CampaignSummary{}, campaigns.ErrNotFound
		}
		return out, nil
	}

	c, err := s.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return CampaignSummary{}, err
	}
	if accountID != "" && c.AccountID != accountID {
		return CampaignSummary{}, campaigns.ErrNotFound
	}
	out, err = s.summarize(ctx, c)
	if err != nil {
		return CampaignSummary{}, err
	}
	s.store(ctx, "campaign:"+campaignID, out)
	return out, nil
}

// AccountSummary returns balances and every campaign of the account. An
// account that was never funded reports zero balances.
func (s *Service) AccountSummary(ctx context.Context, accountID string) (AccountSummary, error) {
	if accountID == "" {
		return AccountSummary{}, ErrInvalidRequest
	}
	var out AccountSummary
	if s.cached(ctx, "account:"+accountID, &out) {
		return out, nil
	}

	acct, err := s.accounts.Account(ctx, accountID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return AccountSummary{}, err
	}
	list, err := s.campaigns.ListCampaigns(ctx, accountID)
	if err != nil {
		return AccountSummary{}, err
	}

	out = AccountSummary{
		AccountID:     accountID,
		Balance:       acct.Balance,
		Held:          acct.Held,
		Available:     acct.Available(),
		LifetimeSpend: acct.LifetimeSpend,
		Campaigns:     make([]CampaignSummary, 0, len(list)),
		GeneratedAt:   s.clock().UTC(),
	}
	for _, c := range list {
		cs, err := s.summarize(ctx, c)
		if err != nil {
			return AccountSummary{}, err
		}
		if c.Status == campaigns.StatusRunning {
			out.ActiveCampaigns++
		}
		out.TotalCalls += cs.Completed + cs.Failed
		out.TotalPressed += cs.Pressed
		out.Campaigns = append(out.Campaigns, cs)
	}
	s.store(ctx, "account:"+accountID, out)
	return out, nil
}

func (s *Service) summarize(ctx context.Context, c campaigns.Campaign) (CampaignSummary, error) {
	counts, err := s.campaigns.TargetCounts(ctx, c.ID)
	if err != nil {
		return CampaignSummary{}, err
	}
	out := CampaignSummary{
		CampaignID:   c.ID,
		AccountID:    c.AccountID,
		Name:         c.Name,
		Status:       c.Status,
		PauseReason:  c.PauseReason,
		PauseDetail:  c.PauseDetail,
		TotalTargets: c.TotalTargets,
		Completed:    c.Completed,
		Answered:     c.Answered,
		Pressed:      c.Pressed,
		Failed:       c.Failed,
		Targets:      counts,
		Spend:        c.Cost,
		StartedAt:    c.StartedAt,
		FinishedAt:   c.FinishedAt,
		GeneratedAt:  s.clock().UTC(),
	}
	terminal := 0
	for st, n := range counts {
		switch {
		case st == campaigns.TargetPending:
			out.Pending += n
		case st.Terminal():
			terminal += n
		default:
			out.InFlight += n
		}
	}
	if c.TotalTargets > 0 {
		out.Progress = float64(terminal) / float64(c.TotalTargets)
	}
	if settled := c.Completed + c.Failed; settled > 0 {
		out.AnswerRate = float64(c.Answered) / float64(settled)
	}
	if c.Answered > 0 {
		out.ConversionRate = float64(c.Pressed) / float64(c.Answered)
	}
	return out, nil
}

func (s *Service) cached(ctx context.Context, key string, dest any) bool {
	if s.cache == nil || s.ttl <= 0 {
		return false
	}
	err := s.cache.Get(ctx, key, dest)
	if err != nil && !errors.Is(err, utils.ErrCacheMiss) {
		s.log.Warn("snapshot cache read failed", "key", key, "err", err)
	}
	return err == nil
}

func (s *Service) store(ctx context.Context, key string, v any) {
	if s.cache == nil || s.ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, key, v, s.ttl); err != nil {
		s.log.Warn("snapshot cache write failed", "key", key, "err", err)
	}
}
