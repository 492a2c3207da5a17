package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T, path string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, path, nil)
	return c, w
}

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	return p
}

func TestWriteError_ProblemShape(t *testing.T) {
	c, w := testContext(t, "/v1/actions")
	c.Header(requestIDHeader, "req-123")

	WriteBadRequest(c, "field is missing")

	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	p := decodeProblem(t, w)
	assert.Equal(t, problemTypeBase+"400", p.Type)
	assert.Equal(t, "Bad Request", p.Title)
	assert.Equal(t, 400, p.Status)
	assert.Equal(t, "field is missing", p.Detail)
	assert.Equal(t, "/v1/actions", p.Instance)
	assert.Equal(t, "req-123", p.TraceID)
}

func TestWriteUnauthorized_DefaultDetail(t *testing.T) {
	c, w := testContext(t, "/v1/actions")
	WriteUnauthorized(c, "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "Authentication required", decodeProblem(t, w).Detail)
}

func TestWriteTooManyRequests_RetryAfter(t *testing.T) {
	c, w := testContext(t, "/v1/actions")
	WriteTooManyRequests(c, 30)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	c, w := testContext(t, "/v1/actions")
	WriteInternal(c, slog.New(slog.NewTextHandler(io.Discard, nil)), errors.New("sqlite: disk I/O error at /var/data"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, decodeProblem(t, w).Detail, "sqlite")
}
