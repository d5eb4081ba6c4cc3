package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/rbac"

	"github.com/gin-gonic/gin"
)

type fakeAccountReader struct {
	acct Account
	err  error
}

func (f fakeAccountReader) Account(ctx context.Context, accountID string) (Account, error) {
	return f.acct, f.err
}

func runCreditCheck(role string, reader AccountReader) int {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u", "acct", role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, RequireAvailableCredit(reader, d("1")), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	return w.Code
}

func TestRequireAvailableCredit_BlocksWhenShort(t *testing.T) {
	reader := fakeAccountReader{acct: Account{ID: "acct", Balance: d("1.5"), Held: d("1")}}
	if code := runCreditCheck(rbac.RoleOwner, reader); code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", code)
	}
}

func TestRequireAvailableCredit_UnknownAccountIsEmpty(t *testing.T) {
	if code := runCreditCheck(rbac.RoleOwner, fakeAccountReader{err: ErrNotFound}); code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", code)
	}
}

func TestRequireAvailableCredit_AllowsFundedAndAdmin(t *testing.T) {
	reader := fakeAccountReader{acct: Account{ID: "acct", Balance: d("3")}}
	if code := runCreditCheck(rbac.RoleOperator, reader); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := runCreditCheck(rbac.RoleAdmin, fakeAccountReader{err: ErrNotFound}); code != http.StatusOK {
		t.Fatalf("expected admin bypass, got %d", code)
	}
}
