package ami

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"campaign-dialer/internal/config"
	"campaign-dialer/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// DialFunc opens the transport. Tests substitute an in-memory pipe.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Config struct {
	Addr     string
	Username string
	Secret   string

	ActionTimeout time.Duration
	PingInterval  time.Duration // 0 disables keepalive
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration

	Dial DialFunc
}

// ConfigFrom maps the process configuration.
func ConfigFrom(c config.AMIConfig) Config {
	return Config{
		Addr:          net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Username:      c.Username,
		Secret:        c.Secret,
		ActionTimeout: c.ActionTimeout,
		PingInterval:  c.PingInterval,
		ReconnectMin:  c.ReconnectMin,
		ReconnectMax:  c.ReconnectMax,
	}
}

func (c Config) withDefaults() Config {
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
	if c.Dial == nil {
		var d net.Dialer
		c.Dial = d.DialContext
	}
	return c
}

type result struct {
	msg Message
	err error
}

// Client is a manager-protocol session with the switch. Actions from many
// goroutines are multiplexed over one connection by ActionID; events are
// fanned out to subscriptions. The connection is re-established with
// backoff when lost.
type Client struct {
	cfg Config
	log *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    net.Conn // nil while reconnecting
	pending map[string]chan result
	subs    map[*Subscription]struct{}
	err     error

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects and logs in. A rejected login returns ErrAuth, anything else
// that prevents a session returns ErrTransport.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	c := &Client{
		cfg:     cfg.withDefaults(),
		log:     logger.Component(log, "ami"),
		pending: map[string]chan result{},
		subs:    map[*Subscription]struct{}{},
		done:    make(chan struct{}),
	}
	conn, rd, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.conn = conn
	go c.run(runCtx, conn, rd)
	if c.cfg.PingInterval > 0 {
		go c.keepalive(runCtx)
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) (net.Conn, *Reader, error) {
	conn, err := c.cfg.Dial(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, c.cfg.Addr, err)
	}
	deadline := time.Now().Add(c.cfg.ActionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	fail := func(format string, args ...any) (net.Conn, *Reader, error) {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: "+format, append([]any{ErrTransport}, args...)...)
	}

	rd := NewReader(conn)
	banner, err := rd.ReadLine()
	if err != nil {
		return fail("read banner: %v", err)
	}
	id := uuid.NewString()
	login := encodeAction("Login", id, []Header{
		H("Username", c.cfg.Username),
		H("Secret", c.cfg.Secret),
		H("Events", "on"),
	})
	if _, err := conn.Write(login); err != nil {
		return fail("write login: %v", err)
	}
	for {
		m, err := rd.ReadMessage()
		if errors.Is(err, errMalformed) {
			continue
		}
		if err != nil {
			return fail("read login response: %v", err)
		}
		if m.IsEvent() || m.ActionID() != id {
			continue
		}
		if !strings.EqualFold(m.Response(), "Success") {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("%w: %s", ErrAuth, m.Get("Message"))
		}
		break
	}
	_ = conn.SetDeadline(time.Time{})
	c.log.Info("ami session established", "addr", c.cfg.Addr, "banner", banner)
	return conn, rd, nil
}

func (c *Client) run(ctx context.Context, conn net.Conn, rd *Reader) {
	for {
		err := c.readLoop(rd)
		c.disconnect(conn, err)
		if ctx.Err() != nil {
			c.stop(ErrClosed)
			return
		}
		var rerr error
		conn, rd, rerr = c.reconnect(ctx)
		if rerr != nil {
			c.stop(rerr)
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
	}
}

func (c *Client) readLoop(rd *Reader) error {
	for {
		m, err := rd.ReadMessage()
		if errors.Is(err, errMalformed) {
			c.log.Warn("dropping malformed block", "headers", len(m.Headers))
			continue
		}
		if err != nil {
			return err
		}
		// Event first: OriginateResponse carries Response and ActionID too.
		if m.IsEvent() {
			c.fanout(m)
			continue
		}
		if m.IsResponse() {
			c.deliver(m)
		}
	}
}

func (c *Client) deliver(m Message) {
	id := m.ActionID()
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("response without waiter", "action_id", id)
		return
	}
	ch <- result{msg: m}
}

func (c *Client) fanout(m Message) {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.push(m)
	}
}

// disconnect fails every waiter registered on conn.
func (c *Client) disconnect(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = map[string]chan result{}
	c.mu.Unlock()
	_ = conn.Close()

	for _, ch := range pending {
		ch <- result{err: fmt.Errorf("%w: connection lost: %v", ErrTransport, cause)}
	}
	c.log.Warn("ami connection lost", "err", cause, "failed_actions", len(pending))
}

func (c *Client) reconnect(ctx context.Context) (net.Conn, *Reader, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectMin
	b.MaxInterval = c.cfg.ReconnectMax
	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, nil, ErrClosed
		case <-t.C:
		}
		conn, rd, err := c.connect(ctx)
		if err == nil {
			c.log.Info("ami reconnected", "attempt", attempt)
			return conn, rd, nil
		}
		if errors.Is(err, ErrAuth) {
			c.log.Error("ami login rejected on reconnect", "err", err)
			return nil, nil, err
		}
		if ctx.Err() != nil {
			return nil, nil, ErrClosed
		}
		c.log.Warn("ami reconnect failed", "attempt", attempt, "retry_in", wait.String(), "err", err)
	}
}

func (c *Client) stop(err error) {
	c.mu.Lock()
	c.err = err
	c.conn = nil
	subs := c.subs
	c.subs = map[*Subscription]struct{}{}
	c.mu.Unlock()
	for s := range subs {
		s.Close()
	}
	if !errors.Is(err, ErrClosed) {
		c.log.Error("ami client stopped", "err", err)
	}
	close(c.done)
}

func (c *Client) keepalive(ctx context.Context) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-t.C:
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			continue
		}
		if _, err := c.Submit(ctx, "Ping"); err != nil && ctx.Err() == nil {
			c.log.Warn("keepalive failed, forcing reconnect", "err", err)
			_ = conn.Close()
		}
	}
}

// Submit sends an action and waits for its response. Safe for concurrent use.
func (c *Client) Submit(ctx context.Context, action string, fields ...Header) (Message, error) {
	return c.submit(ctx, uuid.NewString(), action, fields)
}

// SubmitList sends a list action and collects the events tagged with its
// ActionID up to the complete event, which is not included. The whole
// exchange is bounded by the action timeout.
func (c *Client) SubmitList(ctx context.Context, action, complete string, fields ...Header) (Message, []Message, error) {
	id := uuid.NewString()
	sub := c.Subscribe(func(m Message) bool { return m.ActionID() == id })
	defer sub.Close()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
	defer cancel()

	resp, err := c.submit(ctx, id, action, fields)
	if err != nil {
		return resp, nil, err
	}
	var items []Message
	for {
		select {
		case m, ok := <-sub.Events():
			if !ok {
				return resp, items, c.stoppedErr()
			}
			if strings.EqualFold(m.Event(), complete) {
				return resp, items, nil
			}
			items = append(items, m)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return resp, items, fmt.Errorf("%w: %s list incomplete after %s", ErrActionTimeout, action, c.cfg.ActionTimeout)
			}
			return resp, items, ctx.Err()
		}
	}
}

func (c *Client) stoppedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *Client) submit(ctx context.Context, id, action string, fields []Header) (Message, error) {
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Message{}, err
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Message{}, fmt.Errorf("%w: not connected", ErrTransport)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	timer := time.NewTimer(c.cfg.ActionTimeout)
	defer timer.Stop()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.ActionTimeout))
	_, err := conn.Write(encodeAction(action, id, fields))
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return Message{}, fmt.Errorf("%w: write %s: %v", ErrTransport, action, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return Message{}, r.err
		}
		if strings.EqualFold(r.msg.Response(), "Error") {
			return r.msg, &ActionError{Action: action, Message: r.msg.Get("Message")}
		}
		return r.msg, nil
	case <-timer.C:
		c.forget(id)
		return Message{}, fmt.Errorf("%w: %s after %s", ErrActionTimeout, action, c.cfg.ActionTimeout)
	case <-ctx.Done():
		c.forget(id)
		return Message{}, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Subscribe registers for events matching match. The subscription survives
// reconnects and is closed when the client stops.
func (c *Client) Subscribe(match Matcher) *Subscription {
	s := newSubscription(match, c.unsubscribe)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		s.Close()
		return s
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	return s
}

func (c *Client) unsubscribe(s *Subscription) {
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
}

// Connected reports whether a session is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Done is closed once the client has stopped for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err is the reason the client stopped: ErrClosed after Close, ErrAuth when
// a reconnect was refused. Nil while running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close logs off and stops the client.
func (c *Client) Close() error {
	if c.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _ = c.Submit(ctx, "Logoff")
		cancel()
	}
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
	return nil
}
