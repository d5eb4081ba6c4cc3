package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/reporting"

	"github.com/shopspring/decimal"
)

// client is a thin JSON client for the operator API.
type client struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) json(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	return c.do(ctx, method, path, "application/json", body, out)
}

func (c *client) listCampaigns(ctx context.Context, accountID string) ([]campaigns.Campaign, error) {
	path := "/v1/campaigns"
	if accountID != "" {
		path += "?" + url.Values{"account_id": {accountID}}.Encode()
	}
	var out struct {
		Campaigns []campaigns.Campaign `json:"campaigns"`
	}
	err := c.json(ctx, http.MethodGet, path, nil, &out)
	return out.Campaigns, err
}

func (c *client) campaignSummary(ctx context.Context, id string) (reporting.CampaignSummary, error) {
	var out reporting.CampaignSummary
	err := c.json(ctx, http.MethodGet, "/v1/campaigns/"+url.PathEscape(id), nil, &out)
	return out, err
}

// setStatus runs start, pause or resume.
func (c *client) setStatus(ctx context.Context, id, verb string) (campaigns.Campaign, error) {
	var out campaigns.Campaign
	err := c.json(ctx, http.MethodPost, "/v1/campaigns/"+url.PathEscape(id)+"/"+verb, nil, &out)
	return out, err
}

type createOptions struct {
	Name      string
	CallerID  string
	AccountID string
	Numbers   []string
	File      string
}

// createCampaign sends numbers inline, or uploads File as multipart.
func (c *client) createCampaign(ctx context.Context, o createOptions) (campaigns.Campaign, error) {
	var out campaigns.Campaign
	if o.File == "" {
		err := c.json(ctx, http.MethodPost, "/v1/campaigns", map[string]any{
			"name":       o.Name,
			"caller_id":  o.CallerID,
			"account_id": o.AccountID,
			"numbers":    o.Numbers,
		}, &out)
		return out, err
	}

	f, err := os.Open(o.File)
	if err != nil {
		return out, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range map[string]string{"name": o.Name, "caller_id": o.CallerID, "account_id": o.AccountID} {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return out, err
		}
	}
	fw, err := mw.CreateFormFile("numbers", filepath.Base(o.File))
	if err != nil {
		return out, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return out, err
	}
	if err := mw.Close(); err != nil {
		return out, err
	}
	err = c.do(ctx, http.MethodPost, "/v1/campaigns", mw.FormDataContentType(), &buf, &out)
	return out, err
}

func (c *client) account(ctx context.Context, accountID string) (reporting.AccountSummary, error) {
	path := "/v1/accounts/me"
	if accountID != "" {
		path += "?" + url.Values{"account_id": {accountID}}.Encode()
	}
	var out reporting.AccountSummary
	err := c.json(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

type grantResult struct {
	Status    string `json:"status"`
	Available string `json:"available"`
}

func (c *client) grant(ctx context.Context, paymentRef, accountID string, amount decimal.Decimal, reason string) (grantResult, error) {
	var out grantResult
	err := c.json(ctx, http.MethodPost, "/v1/admin/grants", map[string]any{
		"payment_ref": paymentRef,
		"account_id":  accountID,
		"amount":      amount,
		"reason":      reason,
	}, &out)
	return out, err
}
