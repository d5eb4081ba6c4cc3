package keypress

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/config"
	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

func seedCall(t *testing.T, store *campaigns.MemoryStore, correlationID string) {
	t.Helper()
	if err := createCall(store, correlationID); err != nil {
		t.Fatalf("seed call %s: %v", correlationID, err)
	}
}

// createCall walks the next pending target to dialing with a new record.
func createCall(store *campaigns.MemoryStore, correlationID string) error {
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := store.GetCampaign(ctx, "camp"); err != nil {
		numbers := []string{"15550100001", "15550100002", "15550100003", "15550100004"}
		if _, err := store.CreateCampaign(ctx, campaigns.Campaign{ID: "camp", AccountID: "acct", Name: "n", Status: campaigns.StatusRunning, CreatedAt: now}, numbers); err != nil {
			return err
		}
	}
	tg, err := store.NextPending(ctx, "camp")
	if err != nil {
		return err
	}
	if err := store.AdvanceTarget(ctx, tg.ID, campaigns.TargetPending, campaigns.TargetReserved, correlationID, now); err != nil {
		return err
	}
	return store.CreateCall(ctx, calls.Record{CorrelationID: correlationID, CampaignID: "camp", TargetID: tg.ID, AccountID: "acct", Destination: tg.Number, Status: calls.StatusDialing, StartedAt: now})
}

func newCorrelator(store Store, grace time.Duration) *Correlator {
	return NewCorrelator(store, config.KeypressConfig{GracePeriod: grace, RetryInterval: 10 * time.Millisecond}, logger.Discard())
}

func pressed(t *testing.T, store *campaigns.MemoryStore) int {
	t.Helper()
	c, err := store.GetCampaign(context.Background(), "camp")
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return c.Pressed
}

func TestNotify_ReplayCountsOnce(t *testing.T) {
	store := campaigns.NewMemoryStore()
	seedCall(t, store, "call-1")
	cor := newCorrelator(store, time.Second)
	n := Notification{CorrelationID: "call-1", Destination: "15550100001", Digit: "1"}

	if out, err := cor.Notify(context.Background(), n); err != nil || out != OutcomeApplied {
		t.Fatalf("first notify: %v %v", out, err)
	}
	if out, err := cor.Notify(context.Background(), n); err != nil || out != OutcomeDuplicate {
		t.Fatalf("replay: %v %v", out, err)
	}
	if got := pressed(t, store); got != 1 {
		t.Fatalf("expected pressed counter 1, got %d", got)
	}
}

func TestNotify_RecordAppearsWithinGrace(t *testing.T) {
	store := campaigns.NewMemoryStore()
	seedCall(t, store, "call-0")
	cor := newCorrelator(store, 2*time.Second)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = createCall(store, "call-late")
	}()
	out, err := cor.Notify(context.Background(), Notification{CorrelationID: "call-late", Digit: "1"})
	if err != nil || out != OutcomeApplied {
		t.Fatalf("expected applied after retry, got %v %v", out, err)
	}
	rec, _ := store.GetCall(context.Background(), "call-late")
	if !rec.Pressed {
		t.Fatalf("flag not set")
	}
}

func TestNotify_UnknownAfterGrace(t *testing.T) {
	store := campaigns.NewMemoryStore()
	cor := newCorrelator(store, 50*time.Millisecond)
	start := time.Now()
	if _, err := cor.Notify(context.Background(), Notification{CorrelationID: "ghost", Digit: "1"}); !errors.Is(err, ErrUnknownCallID) {
		t.Fatalf("expected ErrUnknownCallID, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("grace period overrun")
	}
}

// lateStore holds no record until readyAt.
type lateStore struct {
	readyAt time.Time
	rec     calls.Record
}

func (l *lateStore) MarkPressed(ctx context.Context, id, digit string, at time.Time) (calls.Record, bool, error) {
	if time.Now().Before(l.readyAt) {
		return calls.Record{}, false, campaigns.ErrNotFound
	}
	return l.rec, true, nil
}

func TestNotify_RecordAppearsInLastRetryInterval(t *testing.T) {
	start := time.Now()
	// attempts at 0, 400 and 800ms miss; only a check at the deadline sees it
	store := &lateStore{readyAt: start.Add(900 * time.Millisecond), rec: calls.Record{CorrelationID: "call-late", CampaignID: "camp"}}
	cor := NewCorrelator(store, config.KeypressConfig{GracePeriod: time.Second, RetryInterval: 400 * time.Millisecond}, logger.Discard())

	out, err := cor.Notify(context.Background(), Notification{CorrelationID: "call-late", Digit: "1"})
	if err != nil || out != OutcomeApplied {
		t.Fatalf("expected applied at the end of the grace window, got %v %v after %s", out, err, time.Since(start))
	}
	if took := time.Since(start); took < 900*time.Millisecond || took > 2*time.Second {
		t.Fatalf("unexpected wait %s", took)
	}
}

func TestNotify_LogsCarryRequestID(t *testing.T) {
	store := campaigns.NewMemoryStore()
	seedCall(t, store, "call-1")
	var buf bytes.Buffer
	cor := NewCorrelator(store, config.KeypressConfig{GracePeriod: time.Second}, logger.NewWithWriter(&buf, "dev"))

	ctx := logger.WithRequestID(context.Background(), "rid-7")
	if _, err := cor.Notify(ctx, Notification{CorrelationID: "call-1", Digit: "1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, `"request_id":"rid-7"`) || !strings.Contains(out, `"component":"keypress"`) {
		t.Fatalf("expected request id and component in %s", out)
	}
}

type failingStore struct{ err error }

func (f failingStore) MarkPressed(ctx context.Context, id, digit string, at time.Time) (calls.Record, bool, error) {
	return calls.Record{}, false, f.err
}

func TestNotify_StoreErrorNotRetried(t *testing.T) {
	boom := errors.New("db down")
	cor := newCorrelator(failingStore{err: boom}, time.Minute)
	if _, err := cor.Notify(context.Background(), Notification{CorrelationID: "x"}); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func serve(h Handler, body string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/keypress", h.HandleKeypress)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/keypress", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestHandleKeypress(t *testing.T) {
	store := campaigns.NewMemoryStore()
	seedCall(t, store, "call-1")
	seedCall(t, store, "call-2")
	h := Handler{Correlator: newCorrelator(store, 30*time.Millisecond)}

	w := serve(h, `{"correlation_id":"call-1","destination":"15550100001","pressed_digit":"1","timestamp":"2026-01-02T03:04:05Z"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"applied"`) {
		t.Fatalf("expected applied, got %d %s", w.Code, w.Body.String())
	}
	w = serve(h, `{"correlation_id":"call-1","pressed_digit":"1"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"duplicate"`) {
		t.Fatalf("expected duplicate, got %d %s", w.Code, w.Body.String())
	}
	w = serve(h, `{"call_id":"call-2","dtmf_pressed":0}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ignored"`) {
		t.Fatalf("expected ignored, got %d %s", w.Code, w.Body.String())
	}
	w = serve(h, `{"call_id":"call-2","dtmf_pressed":1,"timestamp":"1767323045"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("legacy payload: %d %s", w.Code, w.Body.String())
	}
	if got := pressed(t, store); got != 2 {
		t.Fatalf("expected 2 presses, got %d", got)
	}

	if w := serve(h, `{"correlation_id":"ghost","pressed_digit":"1"}`); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := serve(h, `{"pressed_digit":"1"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := serve(h, `{`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := serve(h, `{"correlation_id":"call-1","timestamp":"yesterday"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
