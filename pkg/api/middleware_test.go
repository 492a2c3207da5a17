package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type stepClock struct{ now time.Time }

func (s *stepClock) Now() time.Time { return s.now }

func TestClientLimiter_PerClientBuckets(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewClientLimiter(1, 2)
	l.clock = clock.Now

	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"), "burst exhausted")
	assert.True(t, l.Allow("bob"), "other clients have their own bucket")

	clock.now = clock.now.Add(1100 * time.Millisecond)
	assert.True(t, l.Allow("alice"), "refilled")

	clock.now = clock.now.Add(5 * time.Minute)
	assert.Equal(t, 2, l.Sweep(3*time.Minute))
}

func TestClientLimiter_Disabled(t *testing.T) {
	assert.Nil(t, NewClientLimiter(0, 10))
}

func TestClientLimiter_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewClientLimiter(1, 1)
	r := gin.New()
	r.Use(requestID(), l.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		return w
	}
	first := do()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.NotEmpty(t, first.Header().Get(requestIDHeader))

	second := do()
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
}

func TestRequestID_Propagates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(requestID())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(requestIDHeader, "abc")
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get(requestIDHeader))
}
