package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLimiterPerKey(t *testing.T) {
	l := NewLimiter(2, time.Hour)

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))

	// 不同 key 各自计数
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestLimiterSweepForgetsIdleKeys(t *testing.T) {
	l := NewLimiter(1, time.Hour)
	assert.True(t, l.Allow("idle"))
	assert.False(t, l.Allow("idle"))

	l.sweep(time.Now().Add(4 * time.Hour))
	assert.Empty(t, l.visitors)
	assert.True(t, l.Allow("idle"))
}

func TestRateLimiterMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RateLimiter(1, time.Hour))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://app.example.com"}))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	allowed := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	r.ServeHTTP(allowed, req)
	assert.Equal(t, "https://app.example.com", allowed.Header().Get("Access-Control-Allow-Origin"))

	denied := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	r.ServeHTTP(denied, req)
	assert.Empty(t, denied.Header().Get("Access-Control-Allow-Origin"))

	preflight := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	r.ServeHTTP(preflight, req)
	assert.Equal(t, http.StatusNoContent, preflight.Code)
}
