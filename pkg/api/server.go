package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/canonicalize"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel"
)

// maxBodyBytes bounds an intent body.
const maxBodyBytes = 1 << 20

// Options configures the server. Nil Auth disables bearer auth, so the
// principal named in each intent is trusted; nil Limiter disables rate
// limiting; nil Replays ignores Idempotency-Key.
type Options struct {
	Auth    *Authenticator
	Limiter *ClientLimiter
	Replays ReplayStore
	Logger  *slog.Logger
}

// Server exposes the kernel's single action entry point over HTTP.
type Server struct {
	kernel *kernel.Kernel
	engine *gin.Engine
	opts   Options
	logger *slog.Logger
}

func NewServer(k *kernel.Kernel, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), requestID(), requestLogger(logger))
	r.NoRoute(WriteNotFound)
	r.NoMethod(WriteMethodNotAllowed)

	s := &Server{kernel: k, engine: r, opts: opts, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.engine.Group("/v1")
	v1.GET("/healthz", s.handleHealth)

	actions := v1.Group("")
	if s.opts.Auth != nil {
		actions.Use(s.opts.Auth.Middleware())
	}
	if s.opts.Limiter != nil {
		actions.Use(s.opts.Limiter.Middleware())
	}
	actions.POST("/actions", s.handleAction)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is done, then drains in-flight
// requests for up to ten seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	ok, reason := s.kernel.Events().Verify()
	body := gin.H{
		"status":     "ok",
		"event_head": s.kernel.Events().Head(),
		"principals": len(s.kernel.Ledger().Principals()),
	}
	if !ok {
		body["status"] = "degraded"
		body["reason"] = reason
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// handleAction submits one intent. Any body that parses as a JSON object
// reaches the kernel; its result is returned with status 200 whether the
// action succeeded or not.
func (s *Server) handleAction(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(c, http.StatusRequestEntityTooLarge, "Payload Too Large", "Intent body exceeds 1 MiB")
			return
		}
		WriteBadRequest(c, "Could not read request body")
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		WriteBadRequest(c, "Request body must be a JSON object")
		return
	}

	if subject := c.GetString(principalKey); subject != "" {
		raw, err = s.bindPrincipal(raw, fields, subject)
		if err != nil {
			WriteForbidden(c, err.Error())
			return
		}
	}

	key := c.GetHeader(idempotencyHeader)
	principal := intentPrincipal(fields, c.GetString(principalKey))
	if key == "" || principal == "" || s.opts.Replays == nil {
		c.JSON(http.StatusOK, s.kernel.SubmitJSON(c.Request.Context(), raw))
		return
	}

	// Equivalent bodies share a digest whatever their key order or spacing.
	digest, err := canonicalize.CanonicalHash(fields)
	if err != nil {
		WriteBadRequest(c, "Request body must be a JSON object")
		return
	}
	prior, err := s.opts.Replays.Reserve(principal, key, digest)
	if err != nil {
		WriteError(c, http.StatusConflict, "Conflict", err.Error())
		return
	}
	if prior != nil {
		c.Header("Idempotent-Replay", "true")
		c.JSON(http.StatusOK, prior)
		return
	}
	settled := false
	defer func() {
		if !settled {
			s.opts.Replays.Release(principal, key)
		}
	}()
	res := s.kernel.SubmitJSON(c.Request.Context(), raw)
	s.opts.Replays.Settle(principal, key, res)
	settled = true
	c.JSON(http.StatusOK, res)
}

// intentPrincipal is the principal an intent acts as: the token subject
// when authenticated, otherwise the principal_id it names.
func intentPrincipal(fields map[string]json.RawMessage, subject string) string {
	id := subject
	if id == "" {
		if err := json.Unmarshal(fields["principal_id"], &id); err != nil {
			return ""
		}
	}
	id, err := artifacts.NormalizeID(id)
	if err != nil {
		return ""
	}
	return id
}

// bindPrincipal fills principal_id from the token subject, or rejects an
// intent that names a different principal.
func (s *Server) bindPrincipal(raw []byte, fields map[string]json.RawMessage, subject string) ([]byte, error) {
	var id string
	if named, present := fields["principal_id"]; present && string(named) != "null" {
		if err := json.Unmarshal(named, &id); err != nil {
			// Not a string; the kernel reports the shape error.
			return raw, nil
		}
	}
	if id == "" {
		enc, err := json.Marshal(subject)
		if err != nil {
			return nil, err
		}
		fields["principal_id"] = enc
		return json.Marshal(fields)
	}
	want, err := artifacts.NormalizeID(subject)
	if err != nil {
		return nil, errors.New("token subject is not a valid principal id")
	}
	got, err := artifacts.NormalizeID(id)
	if err != nil || got != want {
		return nil, errors.New("intent principal_id does not match the authenticated principal")
	}
	return raw, nil
}
