package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"ojudge/internal/common/http/middleware"
	appErr "ojudge/pkg/errors"
	"ojudge/pkg/utils/contextkey"
)

func TestTraceContextMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.TraceContextMiddleware(), middleware.RequestLogger())
	var seen string
	router.GET("/trace", func(c *gin.Context) {
		seen, _ = c.Request.Context().Value(contextkey.TraceID).(string)
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trace", nil))
	traceID := rec.Header().Get("X-Trace-Id")
	if traceID == "" {
		t.Fatalf("expected trace id header")
	}
	if seen != traceID {
		t.Fatalf("expected context trace id %s, got %s", traceID, seen)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestTraceContextMiddlewarePreservesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.TraceContextMiddleware())
	router.GET("/trace", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/trace", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") != "req-123" {
		t.Fatalf("expected request id header")
	}
}

func TestRecoveryWritesErrorEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.TraceContextMiddleware(), middleware.Recovery())
	reached := false
	router.GET("/boom", func(c *gin.Context) {
		panic("broken handler")
	}, func(c *gin.Context) {
		reached = true
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body struct {
		Code    int    `json:"code"`
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body failed: %v", err)
	}
	if body.Code != int(appErr.InternalServerError) || body.TraceID == "" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if reached {
		t.Fatalf("expected chain aborted after panic")
	}
}
