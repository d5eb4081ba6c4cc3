package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/reporting"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// fakeAPI records requests and answers with canned bodies keyed by
// "METHOD path".
type fakeAPI struct {
	t        *testing.T
	replies  map[string]any
	statuses map[string]int
	got      []*http.Request
	bodies   []string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	f := &fakeAPI{t: t, replies: map[string]any{}, statuses: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.got = append(f.got, r)
		f.bodies = append(f.bodies, string(b))
		key := r.Method + " " + r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		if code, ok := f.statuses[key]; ok {
			w.WriteHeader(code)
		}
		reply, ok := f.replies[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			reply = map[string]string{"error": "no route " + key}
		}
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	viper.Reset()
	viper.Set("server", srv.URL)
	viper.Set("token", "tok")
	t.Cleanup(viper.Reset)
	return f, srv
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCampaignList_RendersTable(t *testing.T) {
	api, _ := newFakeAPI(t)
	api.replies["GET /v1/campaigns"] = map[string]any{"campaigns": []campaigns.Campaign{{
		ID: "c-1", Name: "spring", Status: campaigns.StatusPaused, PauseReason: campaigns.PauseInsufficientCredit,
		TotalTargets: 10, Completed: 3, Failed: 1, Answered: 3, Pressed: 2, Cost: decimal.RequireFromString("0.3"),
	}}}

	out, err := run(t, campaignListCmd())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"spring", "paused (insufficient_credit)", "0.30"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if got := api.got[0].Header.Get("Authorization"); got != "Bearer tok" {
		t.Fatalf("expected bearer token, got %q", got)
	}
}

func TestCampaignShow_JSON(t *testing.T) {
	api, _ := newFakeAPI(t)
	api.replies["GET /v1/campaigns/c-1"] = reporting.CampaignSummary{CampaignID: "c-1", Name: "spring", Progress: 0.5}
	viper.Set("json", true)

	out, err := run(t, campaignShowCmd(), "c-1")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var sum reporting.CampaignSummary
	if err := json.Unmarshal([]byte(out), &sum); err != nil || sum.Progress != 0.5 {
		t.Fatalf("unexpected output %q: %v", out, err)
	}
}

func TestCampaignCreate_InlineAndFile(t *testing.T) {
	api, _ := newFakeAPI(t)
	api.replies["POST /v1/campaigns"] = campaigns.Campaign{ID: "c-9", TotalTargets: 2, Status: campaigns.StatusDraft}

	out, err := run(t, campaignCreateCmd(), "--name", "spring", "--numbers", "15550100001,15550100002")
	if err != nil || !strings.Contains(out, "created c-9 (2 targets, draft)") {
		t.Fatalf("inline create: %q %v", out, err)
	}
	if !strings.Contains(api.bodies[0], `"numbers":["15550100001","15550100002"]`) {
		t.Fatalf("unexpected body %s", api.bodies[0])
	}

	path := filepath.Join(t.TempDir(), "leads.csv")
	if err := os.WriteFile(path, []byte("15550100001\n15550100002\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := run(t, campaignCreateCmd(), "--name", "spring", "--file", path); err != nil {
		t.Fatalf("file create: %v", err)
	}
	if ct := api.got[1].Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/form-data") {
		t.Fatalf("expected multipart upload, got %q", ct)
	}
	if !strings.Contains(api.bodies[1], `filename="leads.csv"`) {
		t.Fatalf("upload missing file part")
	}

	if _, err := run(t, campaignCreateCmd(), "--name", "x"); err == nil {
		t.Fatalf("expected error without numbers")
	}
}

func TestCampaignStart_PaymentRequired(t *testing.T) {
	api, _ := newFakeAPI(t)
	api.statuses["POST /v1/campaigns/c-1/start"] = http.StatusPaymentRequired
	api.replies["POST /v1/campaigns/c-1/start"] = map[string]string{"error": "insufficient credit"}

	_, err := run(t, campaignStatusCmd("start", ""), "c-1")
	if err == nil || !strings.Contains(err.Error(), "insufficient credit") || !strings.Contains(err.Error(), "top up") {
		t.Fatalf("expected credit hint, got %v", err)
	}
}

func TestGrant(t *testing.T) {
	api, _ := newFakeAPI(t)
	api.replies["POST /v1/admin/grants"] = map[string]string{"status": "applied", "available": "25"}

	out, err := run(t, grantCmd(), "--account", "acct-1", "--amount", "25.00", "--ref", "manual-7")
	if err != nil || !strings.Contains(out, "manual-7: applied (available 25)") {
		t.Fatalf("grant: %q %v", out, err)
	}
	if !strings.Contains(api.bodies[0], `"payment_ref":"manual-7"`) || !strings.Contains(api.bodies[0], `"amount":"25"`) {
		t.Fatalf("unexpected body %s", api.bodies[0])
	}
	if _, err := run(t, grantCmd(), "--account", "acct-1", "--amount", "-1"); err == nil {
		t.Fatalf("expected negative amount to be rejected")
	}
}

func TestBalance(t *testing.T) {
	api, _ := newFakeAPI(t)
	api.replies["GET /v1/accounts/me"] = reporting.AccountSummary{
		AccountID: "acct-1",
		Balance:   decimal.RequireFromString("9.9"),
		Available: decimal.RequireFromString("8.9"),
		Held:      decimal.NewFromInt(1),
	}
	out, err := run(t, balanceCmd(), "--account", "acct-1")
	if err != nil || !strings.Contains(out, "9.90") || !strings.Contains(out, "8.90") {
		t.Fatalf("balance: %q %v", out, err)
	}
	if q := api.got[0].URL.Query().Get("account_id"); q != "acct-1" {
		t.Fatalf("expected account_id query, got %q", q)
	}
}
