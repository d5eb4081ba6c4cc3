package routing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"campaign-dialer/internal/ami"
)

// RegistrationLister runs a switch list action. *ami.Client satisfies it.
type RegistrationLister interface {
	SubmitList(ctx context.Context, action, complete string, fields ...ami.Header) (ami.Message, []ami.Message, error)
}

const (
	TrunkRegistered   = "registered"
	TrunkUnregistered = "unregistered"
)

// TrunkHealth is the last registration snapshot. Status maps trunk name to
// TrunkRegistered or TrunkUnregistered; a trunk absent from the switch's
// outbound registrations counts as unregistered.
type TrunkHealth struct {
	Checked   bool              `json:"checked"`
	CheckedAt time.Time         `json:"checked_at"`
	Status    map[string]string `json:"status,omitempty"`
	Err       string            `json:"error,omitempty"`
}

// Healthy is false only after a check in which no weighted trunk was
// registered.
func (h TrunkHealth) Healthy(trunks []Trunk) bool {
	if !h.Checked {
		return true
	}
	for _, t := range trunks {
		if t.Weight > 0 && h.Status[t.Name] == TrunkRegistered {
			return true
		}
	}
	return false
}

// TrunkMonitor polls PJSIPShowRegistrations and keeps the latest snapshot.
type TrunkMonitor struct {
	sw       RegistrationLister
	trunks   []Trunk
	interval time.Duration
	log      *slog.Logger
	clock    func() time.Time

	mu   sync.RWMutex
	last TrunkHealth
}

func NewTrunkMonitor(sw RegistrationLister, trunks []Trunk, interval time.Duration, log *slog.Logger) *TrunkMonitor {
	return &TrunkMonitor{
		sw:       sw,
		trunks:   trunks,
		interval: interval,
		log:      log.With("component", "trunks"),
		clock:    time.Now,
	}
}

func (m *TrunkMonitor) Trunks() []Trunk { return m.trunks }

// Health returns the last snapshot.
func (m *TrunkMonitor) Health() TrunkHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Check queries the switch once and stores the result. A failed query marks
// every trunk unregistered.
func (m *TrunkMonitor) Check(ctx context.Context) TrunkHealth {
	h := TrunkHealth{Checked: true, CheckedAt: m.clock(), Status: make(map[string]string, len(m.trunks))}
	for _, t := range m.trunks {
		h.Status[t.Name] = TrunkUnregistered
	}

	_, items, err := m.sw.SubmitList(ctx, "PJSIPShowRegistrations", "OutboundRegistrationDetailComplete")
	if err != nil {
		h.Err = err.Error()
		m.log.Warn("registration check failed", "err", err)
	} else {
		for _, it := range items {
			if !strings.EqualFold(it.Event(), "OutboundRegistrationDetail") {
				continue
			}
			if !strings.EqualFold(it.Get("Status"), "Registered") {
				continue
			}
			for _, name := range []string{it.Get("ObjectName"), it.Get("Endpoint")} {
				if _, ok := h.Status[name]; ok {
					h.Status[name] = TrunkRegistered
				}
			}
		}
	}

	m.mu.Lock()
	prev := m.last
	m.last = h
	m.mu.Unlock()

	for name, st := range h.Status {
		if prev.Status[name] != st {
			m.log.Info("trunk registration changed", "trunk", name, "status", st)
		}
	}
	return h
}

// Run checks immediately and then every interval until ctx ends.
func (m *TrunkMonitor) Run(ctx context.Context) error {
	m.Check(ctx)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Check(ctx)
		}
	}
}
