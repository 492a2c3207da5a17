// Package api is the HTTP transport for the action endpoint. Transport
// failures are RFC 7807 problem details; action failures are ordinary
// results in a 200 response.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const problemTypeBase = "https://agent-ecology.dev/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title  string `json:"title"`
	Status int    `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID echoes the request ID so clients can quote it.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes a problem response and aborts the handler chain.
func WriteError(c *gin.Context, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request.URL.Path,
		TraceID:  c.Writer.Header().Get(requestIDHeader),
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(status, problem)
}

func WriteBadRequest(c *gin.Context, detail string) {
	WriteError(c, http.StatusBadRequest, "Bad Request", detail)
}

func WriteUnauthorized(c *gin.Context, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	c.Header("WWW-Authenticate", `Bearer realm="ecology"`)
	WriteError(c, http.StatusUnauthorized, "Unauthorized", detail)
}

func WriteForbidden(c *gin.Context, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(c, http.StatusForbidden, "Forbidden", detail)
}

func WriteNotFound(c *gin.Context) {
	WriteError(c, http.StatusNotFound, "Not Found", "No route for "+c.Request.Method+" "+c.Request.URL.Path)
}

func WriteMethodNotAllowed(c *gin.Context) {
	WriteError(c, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(c *gin.Context, retryAfterSecs int) {
	c.Header("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(c, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. err is logged and never sent to the client.
func WriteInternal(c *gin.Context, logger *slog.Logger, err error) {
	logger.ErrorContext(c.Request.Context(), "internal server error", "error", err, "path", c.Request.URL.Path)
	WriteError(c, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
