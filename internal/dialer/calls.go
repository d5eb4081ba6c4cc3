package dialer

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"campaign-dialer/internal/ami"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/keypress"
	"campaign-dialer/internal/ledger"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
)

// liveCall is the dispatcher's view of one attempt between admission and
// settlement. Fields other than rec are guarded by Dispatcher.mu.
type liveCall struct {
	rec  calls.Record
	slot slot

	channel  string
	actionID string

	answered        bool
	answeredAt      time.Time
	answerPersisted bool

	// hint is the dial status reported before hangup, e.g. BUSY.
	hint string

	done     bool
	watchdog *time.Timer
}

const hangupTimeout = 5 * time.Second

func (d *Dispatcher) handle(ctx context.Context, m ami.Message) {
	switch m.Event() {
	case "Newchannel":
		if c := d.lookup(m, false); c != nil {
			d.setChannel(c, m.Get("Channel"))
		}
	case "Newstate":
		c := d.lookup(m, false)
		if c == nil {
			return
		}
		d.setChannel(c, m.Get("Channel"))
		if m.Get("ChannelState") == "6" || strings.EqualFold(m.Get("ChannelStateDesc"), "Up") {
			d.answer(c)
		}
	case "OriginateResponse":
		c := d.lookup(m, false)
		if c == nil {
			return
		}
		if strings.EqualFold(m.Response(), "Success") {
			d.answer(c)
			return
		}
		reason, _ := strconv.Atoi(m.Get("Reason"))
		st, cause := calls.OriginateOutcome(reason)
		d.finish(c, st, cause, 0)
	case "DialEnd":
		c := d.lookup(m, false)
		if c == nil {
			return
		}
		status := strings.ToUpper(m.Get("DialStatus"))
		if status == "ANSWER" {
			d.answer(c)
			return
		}
		d.mu.Lock()
		c.hint = status
		d.mu.Unlock()
	case "VarSet":
		if !strings.EqualFold(m.Get("Variable"), d.cfg.KeypressVariable) {
			return
		}
		if c := d.lookup(m, true); c != nil {
			d.forwardKeypress(ctx, c, m.Get("Value"))
		}
	case "UserEvent":
		if !strings.EqualFold(m.Get("UserEvent"), "Keypress") {
			return
		}
		if c := d.lookup(m, true); c != nil {
			d.forwardKeypress(ctx, c, m.Get("Digit"))
		}
	case "Hangup":
		c := d.lookup(m, false)
		if c == nil {
			return
		}
		code, _ := strconv.Atoi(m.Get("Cause"))
		d.hangup(c, code, m.Get("Cause-txt"))
	}
}

// lookup finds the live call an event belongs to. The originated channel's
// unique id is the correlation id. linked also matches legs the IVR spawned.
func (d *Dispatcher) lookup(m ami.Message, linked bool) *liveCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, key := range []string{"Uniqueid", "DestUniqueid"} {
		if c, ok := d.live[m.Get(key)]; ok {
			return c
		}
	}
	if linked {
		if c, ok := d.live[m.Get("Linkedid")]; ok {
			return c
		}
	}
	for _, key := range []string{"Channel", "DestChannel"} {
		if c, ok := d.byChannel[m.Get(key)]; ok {
			return c
		}
	}
	if id := m.ActionID(); id != "" {
		if c, ok := d.byAction[id]; ok {
			return c
		}
	}
	return nil
}

func (d *Dispatcher) setChannel(c *liveCall, channel string) {
	if channel == "" {
		return
	}
	d.mu.Lock()
	if c.done || c.channel != "" {
		d.mu.Unlock()
		return
	}
	c.channel = channel
	d.byChannel[channel] = c
	d.mu.Unlock()

	err := d.persist(d.base, "record channel", func(ctx context.Context) error {
		return d.store.SetCallChannel(ctx, c.rec.CorrelationID, channel)
	})
	if err != nil && !errors.Is(err, campaigns.ErrAlreadyTerminal) {
		d.log.Warn("channel not recorded", "correlation_id", c.rec.CorrelationID, "channel", channel, "err", err)
	}
}

func (d *Dispatcher) answer(c *liveCall) {
	d.mu.Lock()
	if c.done || c.answered {
		d.mu.Unlock()
		return
	}
	c.answered = true
	c.answeredAt = d.now()
	at := c.answeredAt
	d.mu.Unlock()

	d.log.Debug("call answered", "correlation_id", c.rec.CorrelationID)
	if err := d.persistAnswer(c, at); err != nil {
		d.persistenceFailure(d.campaignOf(c), c.rec.CorrelationID, "answer call", err)
	}
}

func (d *Dispatcher) persistAnswer(c *liveCall, at time.Time) error {
	err := d.persist(d.base, "answer call", func(ctx context.Context) error {
		_, err := d.store.AnswerCall(ctx, c.rec.CorrelationID, at)
		return err
	})
	// stale means another path already moved it on
	if err != nil && !errors.Is(err, campaigns.ErrStaleTransition) && !errors.Is(err, campaigns.ErrAlreadyTerminal) {
		return err
	}
	d.mu.Lock()
	c.answerPersisted = true
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) hangup(c *liveCall, code int, text string) {
	d.mu.Lock()
	answered, hint := c.answered, c.hint
	d.mu.Unlock()
	if answered {
		d.finish(c, calls.StatusCompleted, text, code)
		return
	}
	if st, cause, ok := dialStatusOutcome(hint); ok {
		d.finish(c, st, cause, code)
		return
	}
	if text == "" {
		text = "cause " + strconv.Itoa(code)
	}
	d.finish(c, calls.Outcome(code), text, code)
}

func dialStatusOutcome(status string) (calls.Status, string, bool) {
	switch status {
	case "BUSY":
		return calls.StatusBusy, "busy", true
	case "NOANSWER":
		return calls.StatusNoAnswer, "no answer", true
	case "CONGESTION":
		return calls.StatusFailed, "congestion", true
	case "CHANUNAVAIL":
		return calls.StatusFailed, "channel unavailable", true
	default:
		return "", "", false
	}
}

func (d *Dispatcher) forwardKeypress(ctx context.Context, c *liveCall, digit string) {
	digit = strings.TrimSpace(digit)
	if d.keypress == nil || digit == "" {
		return
	}
	n := keypress.Notification{
		CorrelationID: c.rec.CorrelationID,
		Destination:   c.rec.Destination,
		Digit:         digit,
		Timestamp:     d.now(),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.keypress.Notify(ctx, n); err != nil && ctx.Err() == nil {
			d.log.Warn("inline keypress not applied", "correlation_id", n.CorrelationID, "err", err)
		}
	}()
}

// expire is the watchdog: the call ran past the maximum duration.
func (d *Dispatcher) expire(c *liveCall) {
	d.mu.Lock()
	if c.done {
		d.mu.Unlock()
		return
	}
	channel := c.channel
	d.mu.Unlock()

	d.log.Warn("call exceeded max duration", "correlation_id", c.rec.CorrelationID, "channel", channel)
	if channel != "" {
		ctx, cancel := context.WithTimeout(d.base, hangupTimeout)
		if _, err := d.sw.Submit(ctx, "Hangup", ami.H("Channel", channel), ami.H("Cause", strconv.Itoa(calls.CauseNormalClearing))); err != nil {
			d.log.Warn("watchdog hangup failed", "channel", channel, "err", err)
		}
		cancel()
	}
	d.finish(c, calls.StatusFailed, "max duration exceeded", 0)
}

// finish settles a call once: charge or release the reservation, write the
// terminal record, free the slot. Later calls for the same attempt are no-ops.
func (d *Dispatcher) finish(c *liveCall, status calls.Status, cause string, code int) {
	d.mu.Lock()
	if c.done {
		d.mu.Unlock()
		return
	}
	c.done = true
	answered, answeredAt, answerPersisted := c.answered, c.answeredAt, c.answerPersisted
	channel := c.channel
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	d.mu.Unlock()

	end := d.now()
	rec := c.rec
	switch {
	case answered && status != calls.StatusFailed:
		status = calls.StatusCompleted
	case !answered && status == calls.StatusCompleted:
		status = calls.StatusNoAnswer
	}

	var talk time.Duration
	if answered {
		talk = end.Sub(answeredAt)
	}
	charge := d.plan.Charge(answered, talk)
	rec.Cost = decimal.Zero
	if charge.Cost.IsPositive() {
		var res ledger.Reservation
		err := d.persist(d.base, "commit credit", func(ctx context.Context) error {
			var err error
			res, err = d.ledger.Commit(ctx, rec.ReservationID, charge.Cost)
			return err
		})
		if err != nil {
			d.log.Error("commit failed", "correlation_id", rec.CorrelationID, "reservation_id", rec.ReservationID, "err", err)
			if !errors.Is(err, ledger.ErrReservationResolved) {
				d.persistenceFailure(d.campaignOf(c), rec.CorrelationID, "commit credit", err)
			}
		} else {
			rec.Cost = res.Actual
		}
	} else {
		d.releaseCredit(rec.ReservationID)
	}

	rec.Status = status
	rec.Cause = cause
	rec.CauseCode = code
	rec.Channel = channel
	rec.BillableSeconds = charge.BillableSeconds
	rec.DurationSeconds = int(end.Sub(rec.StartedAt) / time.Second)
	rec.EndedAt = &end
	if answered {
		at := answeredAt
		rec.AnsweredAt = &at
	}

	if answered && !answerPersisted {
		if err := d.persistAnswer(c, answeredAt); err != nil {
			d.log.Error("answer not recorded before settlement", "correlation_id", rec.CorrelationID, "err", err)
		}
	}
	err := d.persist(d.base, "finish call", func(ctx context.Context) error {
		_, err := d.store.FinishCall(ctx, rec)
		return err
	})
	switch {
	case errors.Is(err, campaigns.ErrAlreadyTerminal):
		d.log.Debug("call already settled", "correlation_id", rec.CorrelationID)
	case err != nil:
		d.persistenceFailure(d.campaignOf(c), rec.CorrelationID, "finish call", err)
	default:
		d.log.Info("call finished",
			"correlation_id", rec.CorrelationID,
			"campaign_id", rec.CampaignID,
			"status", string(rec.Status),
			"cause", rec.Cause,
			"billable_seconds", rec.BillableSeconds,
			"cost", rec.Cost.String(),
		)
	}

	d.mu.Lock()
	delete(d.live, rec.CorrelationID)
	if channel != "" {
		delete(d.byChannel, channel)
	}
	if c.actionID != "" {
		delete(d.byAction, c.actionID)
	}
	d.mu.Unlock()
	d.releaseSlot(c.slot)
	d.signal()

	if _, err := d.campaigns.CompleteIfDrained(d.base, rec.CampaignID); err != nil {
		d.log.Warn("completion check failed", "campaign_id", rec.CampaignID, "err", err)
	}
}

func (d *Dispatcher) campaignOf(c *liveCall) campaigns.Campaign {
	return campaigns.Campaign{ID: c.rec.CampaignID, AccountID: c.rec.AccountID}
}

// persist retries op with exponential backoff. Outcomes that a retry cannot
// change are returned at once.
func (d *Dispatcher) persist(ctx context.Context, what string, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.PersistBackoff
	b.MaxInterval = 20 * d.cfg.PersistBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op(ctx)
		if err != nil && permanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.cfg.PersistRetries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			d.log.Warn("persistence retry", "step", what, "retry_in", wait.String(), "err", err)
		}),
	)
	return err
}

func permanent(err error) bool {
	for _, target := range []error{
		campaigns.ErrStaleTransition,
		campaigns.ErrAlreadyTerminal,
		campaigns.ErrNotFound,
		campaigns.ErrInvalidArgument,
		campaigns.ErrNotRunning,
		ledger.ErrReservationResolved,
		ledger.ErrInsufficientCredit,
		ledger.ErrNotFound,
		ledger.ErrInvalidArgument,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
