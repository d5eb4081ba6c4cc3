package routing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"campaign-dialer/internal/ami"
	"campaign-dialer/internal/ami/amitest"
	"campaign-dialer/internal/routing"
	"campaign-dialer/pkg/logger"
)

type registrations struct {
	mu     sync.Mutex
	status map[string]string
}

func (r *registrations) set(name, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[name] = status
}

func (r *registrations) events() []ami.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ami.Message, 0, len(r.status))
	for name, st := range r.status {
		out = append(out, amitest.Event("OutboundRegistrationDetail",
			ami.H("ObjectType", "registration"),
			ami.H("ObjectName", name),
			ami.H("Status", st)))
	}
	return out
}

func newMonitor(t *testing.T, regs *registrations, trunks []routing.Trunk) *routing.TrunkMonitor {
	t.Helper()
	srv := amitest.NewServer()
	srv.Handle("PJSIPShowRegistrations", amitest.List("OutboundRegistrationDetailComplete", regs.events))
	cfg := srv.Config()
	cfg.ActionTimeout = 500 * time.Millisecond
	c, err := ami.Dial(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return routing.NewTrunkMonitor(c, trunks, time.Hour, logger.Discard())
}

func TestTrunkMonitor_ReportsPerTrunkRegistration(t *testing.T) {
	regs := &registrations{status: map[string]string{"magnus": "Registered", "backup": "Rejected", "other": "Registered"}}
	trunks := []routing.Trunk{{Name: "magnus", Weight: 3}, {Name: "backup", Weight: 1}, {Name: "spare", Weight: 1}}
	m := newMonitor(t, regs, trunks)

	if h := m.Health(); h.Checked || !h.Healthy(trunks) {
		t.Fatalf("before any check the snapshot should be unchecked and healthy: %+v", h)
	}

	h := m.Check(context.Background())
	want := map[string]string{"magnus": routing.TrunkRegistered, "backup": routing.TrunkUnregistered, "spare": routing.TrunkUnregistered}
	if len(h.Status) != len(want) {
		t.Fatalf("expected %v, got %v", want, h.Status)
	}
	for name, st := range want {
		if h.Status[name] != st {
			t.Fatalf("%s: expected %s, got %s", name, st, h.Status[name])
		}
	}
	if !h.Healthy(trunks) || h.Err != "" {
		t.Fatalf("one registered trunk is enough: %+v", h)
	}

	regs.set("magnus", "Unregistered")
	h = m.Check(context.Background())
	if h.Healthy(trunks) {
		t.Fatalf("no registered trunk must be unhealthy: %+v", h)
	}
	if got := m.Health(); got.Status["magnus"] != routing.TrunkUnregistered {
		t.Fatalf("snapshot not stored: %+v", got)
	}
}

func TestTrunkMonitor_ParkedTrunkDoesNotCount(t *testing.T) {
	regs := &registrations{status: map[string]string{"parked": "Registered"}}
	trunks := []routing.Trunk{{Name: "main", Weight: 1}, {Name: "parked", Weight: 0}}
	m := newMonitor(t, regs, trunks)
	if h := m.Check(context.Background()); h.Healthy(trunks) {
		t.Fatalf("a zero-weight trunk carries no traffic: %+v", h)
	}
}

func TestTrunkMonitor_FailedQueryMarksAllUnregistered(t *testing.T) {
	srv := amitest.NewServer()
	cfg := srv.Config()
	cfg.ActionTimeout = 200 * time.Millisecond
	c, err := ami.Dial(context.Background(), cfg, logger.Discard())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	trunks := []routing.Trunk{{Name: "magnus", Weight: 1}}
	m := routing.NewTrunkMonitor(c, trunks, time.Hour, logger.Discard())
	h := m.Check(context.Background())
	if h.Err == "" || h.Status["magnus"] != routing.TrunkUnregistered || h.Healthy(trunks) {
		t.Fatalf("unexpected snapshot after failed query: %+v", h)
	}
}

func TestTrunkMonitor_RunChecksImmediately(t *testing.T) {
	regs := &registrations{status: map[string]string{"magnus": "Registered"}}
	trunks := []routing.Trunk{{Name: "magnus", Weight: 1}}
	m := newMonitor(t, regs, trunks)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !m.Health().Checked {
		if time.Now().After(deadline) {
			t.Fatalf("no check ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if m.Health().Status["magnus"] != routing.TrunkRegistered {
		t.Fatalf("unexpected snapshot: %+v", m.Health())
	}
}
