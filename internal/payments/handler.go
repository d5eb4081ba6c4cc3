package payments

import (
	"errors"
	"net/http"

	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handler receives payment provider callbacks. The route is guarded by
// auth.RequireSharedSecret.
type Handler struct {
	Processor *Processor
}

// HandlePaymentWebhook: 200 applied, duplicate or ignored; 400 bad body.
func (h Handler) HandlePaymentWebhook(c *gin.Context) {
	if h.Processor == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "payments not configured"})
		return
	}
	var n Notice
	if err := c.ShouldBindJSON(&n); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if n.Source == "" {
		n.Source = "webhook"
	}
	res, err := h.Processor.Apply(c.Request.Context(), n, true)
	switch {
	case err == nil:
		body := gin.H{"status": string(res.Outcome)}
		if res.Outcome != OutcomeIgnored {
			body["balance"] = res.Account.Balance.String()
		}
		c.JSON(http.StatusOK, body)
	case errors.Is(err, ErrInvalidNotice):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "payment_ref, account_id and a positive amount are required"})
	default:
		logger.FromGin(c).Error("payment grant failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "grant failed"})
	}
}
