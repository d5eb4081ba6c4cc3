package main

import (
	"net/http"

	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/httpapi"
	"campaign-dialer/internal/keypress"
	"campaign-dialer/internal/ledger"
	"campaign-dialer/internal/payments"
	"campaign-dialer/internal/rbac"
	"campaign-dialer/internal/reporting"
	"campaign-dialer/internal/routing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type routeDeps struct {
	authMW    gin.HandlerFunc
	auth      *auth.Manager
	devTokens bool

	campaigns *campaigns.Service
	reports   *reporting.Service
	ledger    *ledger.Service
	grants    *payments.Processor

	// minCredit is what start and resume require to be available.
	minCredit decimal.Decimal

	keypress keypress.Handler
	payments payments.Handler
	webhooks config.WebhookConfig
	switchUp func() bool
	// trunks is nil when registration polling is off.
	trunks trunkHealth
}

type trunkHealth interface {
	Health() routing.TrunkHealth
	Trunks() []routing.Trunk
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "ok", "switch": "up"}
		code := http.StatusOK
		if d.switchUp != nil && !d.switchUp() {
			body["status"], body["switch"] = "degraded", "down"
			code = http.StatusServiceUnavailable
		}
		if d.trunks != nil {
			h := d.trunks.Health()
			body["trunks"] = h
			if !h.Healthy(d.trunks.Trunks()) {
				body["status"] = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		c.JSON(code, body)
	})

	// Switch and payment provider callbacks. No bearer token; a shared
	// secret header instead. Also restrict source addresses at the edge.
	r.POST("/webhooks/keypress", auth.RequireSharedSecret(d.webhooks.KeypressSecret), d.keypress.HandleKeypress)
	r.POST("/webhooks/payments", auth.RequireSharedSecret(d.webhooks.PaymentsSecret), d.payments.HandlePaymentWebhook)

	h := httpapi.Handlers{
		Auth:      d.auth,
		Campaigns: d.campaigns,
		Reports:   d.reports,
		Grants:    d.grants,
		DevTokens: d.devTokens,
	}

	v1 := r.Group("/v1")
	v1.POST("/auth/token", h.IssueDevToken)

	protected := v1.Group("")
	protected.Use(d.authMW)
	protected.Use(rbac.RequireAccount())
	{
		protected.GET("/accounts/me", rbac.RequireAnyRole(rbac.CampaignReaders...), h.AccountMe)

		// CAMPAIGNS routes
		camps := protected.Group("/campaigns")
		{
			read := rbac.RequireAnyRole(rbac.CampaignReaders...)
			write := rbac.RequireAnyRole(rbac.CampaignWriters...)
			credit := ledger.RequireAvailableCredit(d.ledger, d.minCredit)

			camps.GET("", read, h.ListCampaigns)
			camps.GET("/:id", read, h.GetCampaign)
			camps.POST("", write, h.CreateCampaign)
			camps.POST("/:id/start", write, credit, h.StartCampaign)
			camps.POST("/:id/pause", write, h.PauseCampaign)
			camps.POST("/:id/resume", write, credit, h.ResumeCampaign)
		}

		// ADMIN routes
		admin := protected.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.POST("/grants", h.AdminGrant)
		}
	}
}
