package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"campaign-dialer/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, accountID, role string, mw ...gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	chain := []gin.HandlerFunc{func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u", accountID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}}
	chain = append(chain, mw...)
	chain = append(chain, func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/x", chain...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serve(t, "a", RoleAdmin, RequireAccount(), RequireAnyRole(RoleOwner)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_AnalystCannotWrite(t *testing.T) {
	if code := serve(t, "a", RoleAnalyst, RequireAccount(), RequireAnyRole(CampaignWriters...)); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve(t, "a", RoleAnalyst, RequireAccount(), RequireAnyRole(CampaignReaders...)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAccount_Missing(t *testing.T) {
	if code := serve(t, "", RoleOwner, RequireAccount(), RequireAnyRole(RoleOwner)); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRequireAccount_AdminWithoutAccount(t *testing.T) {
	if code := serve(t, "", RoleAdmin, RequireAccount(), RequireAnyRole(RoleOwner)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}
