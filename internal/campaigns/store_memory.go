package campaigns

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"campaign-dialer/internal/calls"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu        sync.Mutex
	campaigns map[string]Campaign
	targets   map[string]Target
	byCamp    map[string][]string // campaign id -> target ids in Seq order
	calls     map[string]calls.Record

	// FailNext makes the next n mutating calls return err. Test hook.
	failNext int
	failErr  error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: map[string]Campaign{},
		targets:   map[string]Target{},
		byCamp:    map[string][]string{},
		calls:     map[string]calls.Record{},
	}
}

// FailNext injects err into the next n mutating calls.
func (s *MemoryStore) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext, s.failErr = n, err
}

func (s *MemoryStore) injected() error {
	if s.failNext > 0 {
		s.failNext--
		return s.failErr
	}
	return nil
}

func (s *MemoryStore) CreateCampaign(ctx context.Context, c Campaign, numbers []string) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return Campaign{}, err
	}
	c.TotalTargets = len(numbers)
	if c.Cost.IsZero() {
		c.Cost = decimal.Zero
	}
	s.campaigns[c.ID] = c
	ids := make([]string, 0, len(numbers))
	for i, n := range numbers {
		t := Target{
			ID:         uuid.NewString(),
			CampaignID: c.ID,
			Seq:        i + 1,
			Number:     n,
			Status:     TargetPending,
			UpdatedAt:  c.CreatedAt,
		}
		s.targets[t.ID] = t
		ids = append(ids, t.ID)
	}
	s.byCamp[c.ID] = ids
	return c, nil
}

func (s *MemoryStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListCampaigns(ctx context.Context, accountID string) ([]Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Campaign, 0)
	for _, c := range s.campaigns {
		if accountID == "" || c.AccountID == accountID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status) ([]Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Campaign, 0)
	for _, c := range s.campaigns {
		if c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, from []Status, to Status, reason PauseReason, detail string, now time.Time) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return Campaign{}, err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	if !slices.Contains(from, c.Status) {
		return c, ErrStaleTransition
	}
	c = applyStatus(c, to, reason, detail, now)
	s.campaigns[id] = c
	return c, nil
}

func applyStatus(c Campaign, to Status, reason PauseReason, detail string, now time.Time) Campaign {
	c.Status = to
	c.PauseReason, c.PauseDetail = PauseNone, ""
	if to == StatusPaused {
		c.PauseReason, c.PauseDetail = reason, detail
	}
	if to == StatusRunning && c.StartedAt == nil {
		started := now
		c.StartedAt = &started
	}
	if to == StatusCompleted {
		finished := now
		c.FinishedAt = &finished
	}
	c.UpdatedAt = now
	return c
}

func (s *MemoryStore) NextPending(ctx context.Context, campaignID string) (Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byCamp[campaignID] {
		if t := s.targets[id]; t.Status == TargetPending {
			return t, nil
		}
	}
	return Target{}, ErrNotFound
}

func (s *MemoryStore) AdvanceTarget(ctx context.Context, targetID string, from, to TargetStatus, callID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return err
	}
	return s.advanceLocked(targetID, from, to, callID, now)
}

func (s *MemoryStore) advanceLocked(targetID string, from, to TargetStatus, callID string, now time.Time) error {
	t, ok := s.targets[targetID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != from || !CanAdvance(from, to) {
		return ErrStaleTransition
	}
	t.Status = to
	if callID != "" {
		t.CallID = callID
	}
	t.UpdatedAt = now
	s.targets[targetID] = t
	return nil
}

func (s *MemoryStore) ReserveTarget(ctx context.Context, campaignID, targetID, callID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return err
	}
	c, ok := s.campaigns[campaignID]
	if !ok {
		return ErrNotFound
	}
	if c.Status != StatusRunning {
		return ErrNotRunning
	}
	if t, ok := s.targets[targetID]; !ok || t.CampaignID != campaignID {
		return ErrNotFound
	}
	return s.advanceLocked(targetID, TargetPending, TargetReserved, callID, now)
}

func (s *MemoryStore) TargetCounts(ctx context.Context, campaignID string) (map[TargetStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[TargetStatus]int{}
	for _, id := range s.byCamp[campaignID] {
		out[s.targets[id].Status]++
	}
	return out, nil
}

// Targets returns a campaign's targets in Seq order. Test helper.
func (s *MemoryStore) Targets(campaignID string) []Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Target, 0, len(s.byCamp[campaignID]))
	for _, id := range s.byCamp[campaignID] {
		out = append(out, s.targets[id])
	}
	return out
}

func (s *MemoryStore) CreateCall(ctx context.Context, r calls.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return err
	}
	if _, dup := s.calls[r.CorrelationID]; dup {
		return ErrInvalidArgument
	}
	if err := s.advanceLocked(r.TargetID, TargetReserved, TargetDialing, r.CorrelationID, r.StartedAt); err != nil {
		return err
	}
	s.calls[r.CorrelationID] = r
	return nil
}

func (s *MemoryStore) GetCall(ctx context.Context, correlationID string) (calls.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.calls[correlationID]
	if !ok {
		return calls.Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListCalls(ctx context.Context, campaignID string) ([]calls.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.Record, 0)
	for _, r := range s.calls {
		if r.CampaignID == campaignID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) SetCallChannel(ctx context.Context, correlationID, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.calls[correlationID]
	if !ok {
		return ErrNotFound
	}
	r.Channel = channel
	s.calls[correlationID] = r
	return nil
}

func (s *MemoryStore) AnswerCall(ctx context.Context, correlationID string, at time.Time) (calls.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return calls.Record{}, err
	}
	r, ok := s.calls[correlationID]
	if !ok {
		return calls.Record{}, ErrNotFound
	}
	if !calls.CanTransition(r.Status, calls.StatusAnswered) {
		return r, ErrStaleTransition
	}
	if err := s.advanceLocked(r.TargetID, TargetDialing, TargetAnswered, "", at); err != nil {
		return r, err
	}
	answered := at
	r.Status = calls.StatusAnswered
	r.AnsweredAt = &answered
	s.calls[correlationID] = r

	c := s.campaigns[r.CampaignID]
	c.Answered++
	c.UpdatedAt = at
	s.campaigns[c.ID] = c
	return r, nil
}

func (s *MemoryStore) FinishCall(ctx context.Context, r calls.Record) (calls.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return calls.Record{}, err
	}
	cur, ok := s.calls[r.CorrelationID]
	if !ok {
		return calls.Record{}, ErrNotFound
	}
	if cur.Status.Terminal() {
		return cur, ErrAlreadyTerminal
	}
	if !calls.CanTransition(cur.Status, r.Status) || !r.Status.Terminal() {
		return cur, ErrStaleTransition
	}
	now := time.Now().UTC()
	if r.EndedAt != nil {
		now = *r.EndedAt
	}
	to := targetOutcome(r.Status)
	if err := s.advanceLocked(cur.TargetID, liveTarget(cur.Status), to, "", now); err != nil {
		return cur, err
	}

	// identity is fixed at creation; keypress may have landed while live
	r.CampaignID, r.TargetID, r.AccountID, r.ReservationID = cur.CampaignID, cur.TargetID, cur.AccountID, cur.ReservationID
	r.Destination, r.CallerID, r.Trunk, r.StartedAt = cur.Destination, cur.CallerID, cur.Trunk, cur.StartedAt
	r.Pressed, r.PressedDigit, r.PressedAt = cur.Pressed, cur.PressedDigit, cur.PressedAt
	if r.Channel == "" {
		r.Channel = cur.Channel
	}
	s.calls[r.CorrelationID] = r

	c := s.campaigns[cur.CampaignID]
	if to == TargetCompleted {
		c.Completed++
	} else {
		c.Failed++
	}
	c.Cost = c.Cost.Add(r.Cost)
	c.UpdatedAt = now
	s.campaigns[c.ID] = c
	return r, nil
}

func (s *MemoryStore) MarkPressed(ctx context.Context, correlationID, digit string, at time.Time) (calls.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return calls.Record{}, false, err
	}
	r, ok := s.calls[correlationID]
	if !ok {
		return calls.Record{}, false, ErrNotFound
	}
	if r.Pressed {
		return r, false, nil
	}
	pressedAt := at
	r.Pressed, r.PressedDigit, r.PressedAt = true, digit, &pressedAt
	s.calls[correlationID] = r

	c := s.campaigns[r.CampaignID]
	c.Pressed++
	c.UpdatedAt = at
	s.campaigns[c.ID] = c
	return r, true, nil
}
