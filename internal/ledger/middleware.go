package ledger

import (
	"context"
	"errors"
	"net/http"

	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/rbac"
	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// AccountReader is the slice of Service the middleware needs.
type AccountReader interface {
	Account(ctx context.Context, accountID string) (Account, error)
}

// RequireAvailableCredit answers 402 when the caller's account cannot cover
// minimum. It guards operator actions that start dialing. Admins bypass.
func RequireAvailableCredit(svc AccountReader, minimum decimal.Decimal) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if rbac.IsAdmin(role) {
			c.Next()
			return
		}

		accountID, err := auth.AccountID(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "account_id required"})
			return
		}

		acct, err := svc.Account(c.Request.Context(), accountID)
		switch {
		case errors.Is(err, ErrNotFound):
			acct = Account{ID: accountID}
		case err != nil:
			logger.FromGin(c).Error("balance lookup failed", "account_id", accountID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}
		if acct.Available().LessThan(minimum) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":     "insufficient credit",
				"available": acct.Available().String(),
				"required":  minimum.String(),
			})
			return
		}
		c.Next()
	}
}
