package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nicnocquee/dataqueue-sub002/internal/log"
	"github.com/nicnocquee/dataqueue-sub002/internal/transport/http/middleware"
)

func newRequestIDEngine() *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	r.GET("/ping", func(c *gin.Context) {
		id := log.RequestIDFromContext(c.Request.Context())
		c.String(http.StatusOK, "%s", id)
	})
	return r
}

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	newRequestIDEngine().ServeHTTP(w, req)

	header := w.Header().Get("X-Request-ID")
	if header == "" {
		t.Fatal("X-Request-ID header not set")
	}
	if got := w.Body.String(); got != header {
		t.Errorf("context id = %q, header = %q; want them equal", got, header)
	}
}

func TestRequestID_PreservesIncoming(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "req-123")
	newRequestIDEngine().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("header = %q, want req-123", got)
	}
	if got := w.Body.String(); got != "req-123" {
		t.Errorf("context id = %q, want req-123", got)
	}
}
