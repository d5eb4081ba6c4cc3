package logger

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMiddleware_PropagatesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	r := gin.New()
	r.Use(Middleware(NewWithWriter(&buf, "dev")))
	r.GET("/x", func(c *gin.Context) {
		if RequestID(c.Request.Context()) != "rid-1" || FromGin(c) == nil {
			t.Fatalf("expected request id and logger")
		}
		FromGin(c).Info("inside")
		ForRequest(c.Request.Context(), Component(NewWithWriter(&buf, "dev"), "ledger")).Info("below handler")
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	r.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-Id"); got != "rid-1" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
	if !strings.Contains(buf.String(), `"request_id":"rid-1"`) {
		t.Fatalf("expected request id in log output, got %s", buf.String())
	}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, "below handler") && !strings.Contains(line, `"request_id":"rid-1"`) {
			t.Fatalf("component line lost the request id: %s", line)
		}
	}
	if !strings.Contains(buf.String(), "below handler") {
		t.Fatalf("expected component line, got %s", buf.String())
	}
}

func TestForRequest_WithoutRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "dev")
	ForRequest(context.Background(), l).Info("no request")
	if strings.Contains(buf.String(), "request_id") {
		t.Fatalf("unexpected request id: %s", buf.String())
	}
}

func TestMiddleware_GeneratesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Middleware(Discard()))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected generated request id")
	}
}
