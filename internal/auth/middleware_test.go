package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func secretRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/hook", RequireSharedSecret(secret), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func TestRequireSharedSecret(t *testing.T) {
	r := secretRouter("s3cret")
	cases := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"s3cre", http.StatusUnauthorized},
		{"s3cret ", http.StatusUnauthorized},
		{"s3cret", http.StatusNoContent},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/hook", nil)
		if tc.header != "" {
			req.Header.Set("X-Webhook-Secret", tc.header)
		}
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("header %q: expected %d, got %d", tc.header, tc.want, w.Code)
		}
	}
}

func TestRequireSharedSecret_EmptySecretDisablesCheck(t *testing.T) {
	r := secretRouter("")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/hook", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}
