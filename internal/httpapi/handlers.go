package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/payments"
	"campaign-dialer/internal/rbac"
	"campaign-dialer/internal/reporting"
	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handlers groups the operator API handlers.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Campaigns *campaigns.Service
	Reports   *reporting.Service
	Grants    *payments.Processor

	// DevTokens enables IssueDevToken.
	DevTokens bool
}

// actor reads the caller's identity. Admins act on any account, so their
// Actor carries no AccountID.
func actor(c *gin.Context) (campaigns.Actor, bool) {
	ctx := c.Request.Context()
	role, err := auth.Role(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
		return campaigns.Actor{}, false
	}
	userID, _ := auth.UserID(ctx)
	if rbac.IsAdmin(role) {
		return campaigns.Actor{UserID: userID, Role: role}, true
	}
	accountID, err := auth.AccountID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "account_id required"})
		return campaigns.Actor{}, false
	}
	return campaigns.Actor{UserID: userID, AccountID: accountID, Role: role}, true
}

// abortErr maps service errors to status codes.
func abortErr(c *gin.Context, err error, what string) {
	switch {
	case errors.Is(err, campaigns.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
	case errors.Is(err, campaigns.ErrStaleTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "campaign is not in a state that allows this"})
	case errors.Is(err, campaigns.ErrInvalidArgument), errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error(what+" failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": what + " failed"})
	}
}

// --- Auth ---

type tokenRequest struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
	Role      string `json:"role"`
}

// IssueDevToken issues a token pair without credentials. Local and dev only;
// config refuses AUTH_DEV_TOKENS in production.
func (h Handlers) IssueDevToken(c *gin.Context) {
	if h.Auth == nil || !h.DevTokens {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and role required"})
		return
	}
	if req.AccountID == "" && !rbac.IsAdmin(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "account_id required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.AccountID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Campaigns ---

type createCampaignRequest struct {
	AccountID string   `json:"account_id" form:"account_id"`
	Name      string   `json:"name" form:"name"`
	CallerID  string   `json:"caller_id" form:"caller_id"`
	Numbers   []string `json:"numbers"`
}

// CreateCampaign accepts JSON with a numbers array, or a multipart form whose
// "numbers" file is CSV (first column) or one number per line.
func (h Handlers) CreateCampaign(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	var req createCampaignRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBind(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
			return
		}
		fh, err := c.FormFile("numbers")
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "numbers file required"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "numbers file unreadable"})
			return
		}
		defer f.Close()
		isCSV := strings.HasSuffix(strings.ToLower(fh.Filename), ".csv")
		req.Numbers, err = campaigns.ParseNumbers(f, isCSV)
		if err != nil {
			abortErr(c, err, "number upload")
			return
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	// only admins choose the account
	if a.AccountID != "" {
		req.AccountID = a.AccountID
	}
	camp, err := h.Campaigns.Create(c.Request.Context(), a, campaigns.CreateRequest{
		AccountID: req.AccountID,
		Name:      req.Name,
		CallerID:  req.CallerID,
		Numbers:   req.Numbers,
	})
	if err != nil {
		abortErr(c, err, "campaign create")
		return
	}
	c.JSON(http.StatusCreated, camp)
}

func (h Handlers) ListCampaigns(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	accountID := a.AccountID
	if accountID == "" {
		accountID = c.Query("account_id")
	}
	list, err := h.Campaigns.List(c.Request.Context(), accountID)
	if err != nil {
		abortErr(c, err, "campaign list")
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": list})
}

// GetCampaign returns the campaign summary: counters, target breakdown and rates.
func (h Handlers) GetCampaign(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	sum, err := h.Reports.CampaignSummary(c.Request.Context(), a.AccountID, c.Param("id"))
	if err != nil {
		abortErr(c, err, "campaign summary")
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h Handlers) StartCampaign(c *gin.Context)  { h.command(c, h.Campaigns.Start) }
func (h Handlers) PauseCampaign(c *gin.Context)  { h.command(c, h.Campaigns.Pause) }
func (h Handlers) ResumeCampaign(c *gin.Context) { h.command(c, h.Campaigns.Resume) }

func (h Handlers) command(c *gin.Context, run func(context.Context, campaigns.Actor, string) (campaigns.Campaign, error)) {
	a, ok := actor(c)
	if !ok {
		return
	}
	camp, err := run(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		abortErr(c, err, "campaign update")
		return
	}
	c.JSON(http.StatusOK, camp)
}

// --- Accounts ---

// AccountMe returns balances and campaign summaries for the caller's account.
// Admins name the account with ?account_id=.
func (h Handlers) AccountMe(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	accountID := a.AccountID
	if accountID == "" {
		accountID = c.Query("account_id")
	}
	sum, err := h.Reports.AccountSummary(c.Request.Context(), accountID)
	if err != nil {
		abortErr(c, err, "account summary")
		return
	}
	c.JSON(http.StatusOK, sum)
}

// --- Admin ---

type adminGrantRequest struct {
	PaymentRef string          `json:"payment_ref"`
	AccountID  string          `json:"account_id"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason,omitempty"`
}

// AdminGrant credits an account by hand. payment_ref deduplicates retries.
// RBAC: admin.
func (h Handlers) AdminGrant(c *gin.Context) {
	if h.Grants == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "grants not configured"})
		return
	}
	adminUserID, _ := auth.UserID(c.Request.Context())

	var req adminGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	source := "admin:" + adminUserID
	if req.Reason != "" {
		source += " (" + req.Reason + ")"
	}
	res, err := h.Grants.Apply(c.Request.Context(), payments.Notice{
		PaymentRef: req.PaymentRef,
		AccountID:  req.AccountID,
		Amount:     req.Amount,
		Source:     source,
	}, false)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": string(res.Outcome), "account": res.Account, "available": res.Account.Available().String()})
	case errors.Is(err, payments.ErrInvalidNotice):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "payment_ref, account_id and a positive amount are required"})
	default:
		logger.FromGin(c).Error("admin grant failed", "account_id", req.AccountID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "grant failed"})
	}
}
