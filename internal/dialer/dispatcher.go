// Package dialer admits campaign targets into call attempts, drives them
// through the switch and settles their cost with the ledger.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"campaign-dialer/internal/ami"
	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/keypress"
	"campaign-dialer/internal/ledger"
	"campaign-dialer/internal/pricing"
	"campaign-dialer/internal/routing"
	"campaign-dialer/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Switch is the part of the manager client the dispatcher drives.
// *ami.Client satisfies it.
type Switch interface {
	Submit(ctx context.Context, action string, fields ...ami.Header) (ami.Message, error)
	Subscribe(match ami.Matcher) *ami.Subscription
}

// Ledger is the two-phase credit API. *ledger.Service satisfies it.
type Ledger interface {
	Reserve(ctx context.Context, accountID, callID string, estimated decimal.Decimal) (ledger.Reservation, error)
	Commit(ctx context.Context, reservationID string, actual decimal.Decimal) (ledger.Reservation, error)
	Release(ctx context.Context, reservationID string) (ledger.Reservation, error)
}

// Keypresses receives keypresses the switch reports inline on the event stream.
type Keypresses interface {
	Notify(ctx context.Context, n keypress.Notification) (keypress.Outcome, error)
}

type Config struct {
	CampaignConcurrency int
	PollInterval        time.Duration
	MaxCallDuration     time.Duration
	RingTimeout         time.Duration

	ChannelTech     string
	Context         string
	DefaultCallerID string

	// KeypressVariable is the channel variable the IVR sets on a keypress.
	KeypressVariable string

	PersistRetries uint
	PersistBackoff time.Duration
}

func ConfigFrom(d config.DialerConfig, k config.KeypressConfig) Config {
	return Config{
		CampaignConcurrency: d.CampaignConcurrency,
		PollInterval:        d.PollInterval,
		MaxCallDuration:     d.MaxCallDuration,
		RingTimeout:         d.RingTimeout,
		ChannelTech:         d.ChannelTech,
		Context:             d.Context,
		DefaultCallerID:     d.DefaultCallerID,
		KeypressVariable:    k.Variable,
		PersistRetries:      uint(max(d.PersistRetries, 0)),
		PersistBackoff:      d.PersistBackoff,
	}
}

func (c Config) withDefaults() Config {
	if c.CampaignConcurrency <= 0 {
		c.CampaignConcurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.MaxCallDuration <= 0 {
		c.MaxCallDuration = 10 * time.Minute
	}
	if c.ChannelTech == "" {
		c.ChannelTech = "PJSIP"
	}
	if c.Context == "" {
		c.Context = "press-one-ivr"
	}
	if c.KeypressVariable == "" {
		c.KeypressVariable = "PRESSED_DIGIT"
	}
	if c.PersistRetries == 0 {
		c.PersistRetries = 5
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 100 * time.Millisecond
	}
	return c
}

// Deps are the collaborators of a Dispatcher. Keypress and Audit are optional.
type Deps struct {
	Switch    Switch
	Ledger    Ledger
	Campaigns *campaigns.Service
	Keypress  Keypresses
	Plan      pricing.Plan
	Trunks    *routing.Selector
	Limiter   Limiter
	Audit     *audit.Service
	Log       *slog.Logger
}

var ErrStreamClosed = errors.New("dialer: switch event stream closed")

// Dispatcher runs every running campaign within the concurrency caps.
//
// Admissions and event handling run on the Run goroutine. Originations,
// watchdogs and inline keypress forwarding run on their own goroutines and
// settle through finish, which is idempotent per call.
type Dispatcher struct {
	cfg       Config
	sw        Switch
	ledger    Ledger
	campaigns *campaigns.Service
	store     campaigns.Store
	keypress  Keypresses
	plan      pricing.Plan
	trunks    *routing.Selector
	limiter   Limiter
	audit     *audit.Service
	log       *slog.Logger
	clock     func() time.Time

	// base outlives Run's ctx so calls in flight at shutdown still persist.
	base context.Context
	wake chan struct{}
	wg   sync.WaitGroup

	mu          sync.Mutex
	live        map[string]*liveCall
	byChannel   map[string]*liveCall
	byAction    map[string]*liveCall
	perCampaign map[string]int
	inFlight    int
	maxObserved int
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Switch == nil || deps.Ledger == nil || deps.Campaigns == nil || deps.Trunks == nil || deps.Limiter == nil {
		return nil, errors.New("dialer: missing dependency")
	}
	if err := deps.Plan.Validate(); err != nil {
		return nil, err
	}
	log := deps.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Dispatcher{
		cfg:         cfg.withDefaults(),
		sw:          deps.Switch,
		ledger:      deps.Ledger,
		campaigns:   deps.Campaigns,
		store:       deps.Campaigns.Store(),
		keypress:    deps.Keypress,
		plan:        deps.Plan,
		trunks:      deps.Trunks,
		limiter:     deps.Limiter,
		audit:       deps.Audit,
		log:         logger.Component(log, "dialer"),
		clock:       time.Now,
		base:        context.Background(),
		wake:        make(chan struct{}, 1),
		live:        map[string]*liveCall{},
		byChannel:   map[string]*liveCall{},
		byAction:    map[string]*liveCall{},
		perCampaign: map[string]int{},
	}, nil
}

func (d *Dispatcher) now() time.Time { return d.clock().UTC() }

// Run dispatches until ctx is done. It returns ErrStreamClosed if the switch
// client stops for good while ctx is still live.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub := d.sw.Subscribe(ami.EventIs(
		"OriginateResponse", "Newchannel", "Newstate", "DialEnd", "VarSet", "UserEvent", "Hangup",
	))
	defer sub.Close()
	d.base = context.WithoutCancel(ctx)

	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()
	defer d.wg.Wait()

	d.log.Info("dispatcher started", "poll", d.cfg.PollInterval.String(), "campaign_concurrency", d.cfg.CampaignConcurrency)
	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopping", "in_flight", d.Stats().InFlight)
			return nil
		case m, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrStreamClosed
			}
			d.handle(ctx, m)
		case <-t.C:
			d.tick(ctx)
		case <-d.wake:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	running, err := d.store.ListByStatus(ctx, campaigns.StatusRunning)
	if err != nil {
		d.log.Warn("list running campaigns failed", "err", err)
		return
	}
	for _, c := range running {
		if ctx.Err() != nil {
			return
		}
		for {
			sl, ok := d.takeSlot(ctx, c.ID)
			if !ok || !d.admit(ctx, c, sl) {
				break
			}
		}
	}
}

// slot is one per-campaign slot plus the global limiter slot behind it.
type slot struct {
	campaignID string
	token      string
}

// takeSlot claims one per-campaign slot and one global slot.
func (d *Dispatcher) takeSlot(ctx context.Context, campaignID string) (slot, bool) {
	d.mu.Lock()
	full := d.perCampaign[campaignID] >= d.cfg.CampaignConcurrency
	d.mu.Unlock()
	if full {
		return slot{}, false
	}
	token, ok, err := d.limiter.TryAcquire(ctx)
	if err != nil {
		d.log.Warn("slot limiter unavailable", "err", err)
		return slot{}, false
	}
	if !ok {
		return slot{}, false
	}
	d.mu.Lock()
	d.perCampaign[campaignID]++
	d.inFlight++
	if d.inFlight > d.maxObserved {
		d.maxObserved = d.inFlight
	}
	d.mu.Unlock()
	return slot{campaignID: campaignID, token: token}, true
}

func (d *Dispatcher) releaseSlot(sl slot) {
	d.limiter.Release(d.base, sl.token)
	d.mu.Lock()
	if d.perCampaign[sl.campaignID] <= 1 {
		delete(d.perCampaign, sl.campaignID)
	} else {
		d.perCampaign[sl.campaignID]--
	}
	d.inFlight--
	d.mu.Unlock()
}

// admit turns the campaign's next pending target into a call attempt using
// a slot already taken. It reports whether the campaign can take another.
func (d *Dispatcher) admit(ctx context.Context, camp campaigns.Campaign, sl slot) bool {
	log := d.log.With("campaign_id", camp.ID)

	tg, err := d.store.NextPending(ctx, camp.ID)
	if err != nil {
		d.releaseSlot(sl)
		if !errors.Is(err, campaigns.ErrNotFound) {
			log.Warn("next pending target failed", "err", err)
			return false
		}
		if _, err := d.campaigns.CompleteIfDrained(ctx, camp.ID); err != nil {
			log.Warn("completion check failed", "err", err)
		}
		return false
	}

	// the tick's campaign list may predate a pause
	if cur, err := d.store.GetCampaign(ctx, camp.ID); err != nil || cur.Status != campaigns.StatusRunning {
		d.releaseSlot(sl)
		if err != nil {
			log.Warn("campaign status check failed", "err", err)
		}
		return false
	}

	callID := uuid.NewString()
	res, err := d.ledger.Reserve(ctx, camp.AccountID, callID, d.plan.Estimate())
	if err != nil {
		d.releaseSlot(sl)
		// an account that was never funded has no credit either
		if errors.Is(err, ledger.ErrInsufficientCredit) || errors.Is(err, ledger.ErrNotFound) {
			log.Info("pausing campaign, credit exhausted", "account_id", camp.AccountID)
			detail := "estimate " + d.plan.Estimate().String() + " exceeds available credit"
			if _, err := d.campaigns.SystemPause(d.base, camp.ID, campaigns.PauseInsufficientCredit, detail); err != nil {
				log.Error("pause after credit exhaustion failed", "err", err)
			}
			return false
		}
		log.Warn("credit reservation failed", "err", err)
		return false
	}

	now := d.now()
	err = d.persist(d.base, "reserve target", func(ctx context.Context) error {
		return d.store.ReserveTarget(ctx, camp.ID, tg.ID, callID, now)
	})
	if err != nil {
		d.releaseCredit(res.ID)
		d.releaseSlot(sl)
		if errors.Is(err, campaigns.ErrNotRunning) {
			log.Debug("campaign left running before admission", "target_id", tg.ID)
			return false
		}
		if errors.Is(err, campaigns.ErrStaleTransition) {
			log.Debug("target taken elsewhere", "target_id", tg.ID)
			return true
		}
		d.persistenceFailure(camp, callID, "reserve target", err)
		return false
	}

	callerID := camp.CallerID
	if callerID == "" {
		callerID = d.cfg.DefaultCallerID
	}
	rec := calls.Record{
		CorrelationID: callID,
		CampaignID:    camp.ID,
		TargetID:      tg.ID,
		AccountID:     camp.AccountID,
		ReservationID: res.ID,
		Destination:   tg.Number,
		CallerID:      callerID,
		Trunk:         d.trunks.Pick(),
		Status:        calls.StatusDialing,
		Cost:          decimal.Zero,
		StartedAt:     now,
	}
	err = d.persist(d.base, "create call record", func(ctx context.Context) error {
		return d.store.CreateCall(ctx, rec)
	})
	if err != nil {
		if rerr := d.store.AdvanceTarget(d.base, tg.ID, campaigns.TargetReserved, campaigns.TargetPending, "", d.now()); rerr != nil {
			log.Error("target rollback failed", "target_id", tg.ID, "err", rerr)
		}
		d.releaseCredit(res.ID)
		d.releaseSlot(sl)
		if errors.Is(err, campaigns.ErrStaleTransition) {
			return true
		}
		d.persistenceFailure(camp, callID, "create call record", err)
		return false
	}

	c := &liveCall{rec: rec, slot: sl}
	d.mu.Lock()
	d.live[callID] = c
	c.watchdog = time.AfterFunc(d.cfg.MaxCallDuration, func() { d.expire(c) })
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.originate(ctx, c)
	}()
	return true
}

func (d *Dispatcher) originate(ctx context.Context, c *liveCall) {
	rec := c.rec
	fields := []ami.Header{
		ami.H("Channel", fmt.Sprintf("%s/%s@%s", d.cfg.ChannelTech, rec.Destination, rec.Trunk)),
		ami.H("Context", d.cfg.Context),
		ami.H("Exten", rec.Destination),
		ami.H("Priority", "1"),
	}
	if rec.CallerID != "" {
		fields = append(fields, ami.H("CallerID", rec.CallerID))
	}
	fields = append(fields,
		ami.H("Timeout", strconv.FormatInt(d.cfg.RingTimeout.Milliseconds(), 10)),
		ami.H("Async", "true"),
		ami.H("ChannelId", rec.CorrelationID),
		ami.H("Variable", "CALL_ID="+rec.CorrelationID),
		ami.H("Variable", "CAMPAIGN_ID="+rec.CampaignID),
	)

	resp, err := d.sw.Submit(ctx, "Originate", fields...)
	if err != nil {
		if ctx.Err() != nil {
			// shutting down: the attempt may already be ringing
			d.log.Warn("origination abandoned at shutdown", "correlation_id", rec.CorrelationID)
			return
		}
		cause := originateCause(err)
		d.log.Warn("origination failed", "correlation_id", rec.CorrelationID, "cause", cause, "err", err)
		d.finish(c, calls.StatusFailed, cause, 0)
		return
	}
	d.mu.Lock()
	if !c.done {
		if id := resp.ActionID(); id != "" {
			c.actionID = id
			d.byAction[id] = c
		}
	}
	d.mu.Unlock()
	d.log.Debug("origination queued", "correlation_id", rec.CorrelationID, "campaign_id", rec.CampaignID, "trunk", rec.Trunk)
}

func originateCause(err error) string {
	var ae *ami.ActionError
	switch {
	case errors.As(err, &ae):
		return "switch rejected origination: " + ae.Message
	case errors.Is(err, ami.ErrActionTimeout):
		return "origination timed out"
	case errors.Is(err, ami.ErrAuth):
		return "switch login rejected"
	default:
		return "switch connection lost"
	}
}

func (d *Dispatcher) releaseCredit(reservationID string) {
	err := d.persist(d.base, "release credit", func(ctx context.Context) error {
		_, err := d.ledger.Release(ctx, reservationID)
		return err
	})
	if err != nil {
		d.log.Error("credit release failed", "reservation_id", reservationID, "err", err)
	}
}

// persistenceFailure pauses the campaign after retries ran out.
func (d *Dispatcher) persistenceFailure(camp campaigns.Campaign, callID, what string, err error) {
	d.log.Error("persistence failed, pausing campaign", "campaign_id", camp.ID, "correlation_id", callID, "step", what, "err", err)
	detail := what + ": " + err.Error()
	d.audit.Record(d.base, audit.Event{
		AccountID:  camp.AccountID,
		Type:       audit.EventPersistenceFailed,
		CampaignID: camp.ID,
		CallID:     callID,
		Message:    detail,
	})
	if _, perr := d.campaigns.SystemPause(d.base, camp.ID, campaigns.PausePersistenceError, detail); perr != nil {
		d.log.Error("pause after persistence failure failed", "campaign_id", camp.ID, "err", perr)
	}
}

// Stats is a point-in-time view of the dispatcher's slots.
type Stats struct {
	InFlight    int            `json:"in_flight"`
	MaxObserved int            `json:"max_observed"`
	PerCampaign map[string]int `json:"per_campaign"`
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	per := make(map[string]int, len(d.perCampaign))
	for k, v := range d.perCampaign {
		per[k] = v
	}
	return Stats{InFlight: d.inFlight, MaxObserved: d.maxObserved, PerCampaign: per}
}

func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}
