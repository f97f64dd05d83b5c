// Package gateway exposes the chat pipeline over HTTP.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/audit"
	"github.com/basket/taskchat/internal/chat"
	"github.com/basket/taskchat/internal/config"
	"github.com/basket/taskchat/internal/ops"
	otelpkg "github.com/basket/taskchat/internal/otel"
	"github.com/basket/taskchat/internal/persistence"
	"github.com/basket/taskchat/internal/shared"
)

const (
	defaultMaxBodyBytes = 64 << 10
	traceHeader         = "X-Trace-ID"
)

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Chat      *chat.Service
	Audit     *audit.Logger
	Auth      *Authenticator
	Store     Pinger
	Telemetry *otelpkg.Provider
	Logger    *slog.Logger
	// PolicyVersion reports the active destructive-operation policy.
	PolicyVersion func() string
	MaxBodyBytes  int64
	Now           func() time.Time
}

type Server struct {
	chat          *chat.Service
	audit         *audit.Logger
	auth          *Authenticator
	store         Pinger
	tracer        trace.Tracer
	metrics       *otelpkg.Metrics
	logger        *slog.Logger
	policyVersion func() string
	maxBody       int64
	now           func() time.Time
	started       time.Time
	router        *gin.Engine
}

func New(cfg Config) *Server {
	s := &Server{
		chat:          cfg.Chat,
		audit:         cfg.Audit,
		auth:          cfg.Auth,
		store:         cfg.Store,
		logger:        cfg.Logger,
		policyVersion: cfg.PolicyVersion,
		maxBody:       cfg.MaxBodyBytes,
		now:           cfg.Now,
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = otelpkg.Disabled()
	}
	s.tracer = tel.Tracer
	s.metrics = tel.Metrics
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBodyBytes
	}
	if s.auth == nil {
		s.auth = NewAuthenticator(config.AuthConfig{})
	}
	s.started = s.now()
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.observe(), s.limitBody())

	r.GET("/healthz", s.handleHealthz)

	r.POST("/api/chat", s.auth.requireIdentity(), s.handleChat)

	api := r.Group("/api/:owner", s.auth.requireIdentity())
	{
		api.POST("/chat", s.handleChat)
		api.GET("/conversations", s.handleConversations)
		api.GET("/conversations/:id/messages", s.handleMessages)
		api.GET("/confirmations", s.handleConfirmations)
		api.POST("/confirmations/:id/approve", s.handleResolve(true))
		api.POST("/confirmations/:id/reject", s.handleResolve(false))
		api.GET("/tool-calls", s.handleToolCalls)
		api.GET("/usage", s.handleUsage)
	}
	return r
}

// observe tags the request with a trace id, opens a server span and logs
// the outcome.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()
		if id := c.GetHeader(traceHeader); id != "" {
			ctx = shared.WithTraceID(ctx, id)
		}
		ctx = shared.EnsureTraceID(ctx)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := otelpkg.StartServerSpan(ctx, s.tracer, c.Request.Method+" "+route)
		c.Request = c.Request.WithContext(ctx)
		c.Header(traceHeader, shared.TraceID(ctx))

		c.Next()

		status := c.Writer.Status()
		s.metrics.ObserveRequest(ctx, route, status, start)
		var err error
		if len(c.Errors) > 0 {
			err = c.Errors.Last().Err
		}
		otelpkg.EndSpan(span, err)

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		attrs := []any{
			"trace_id", shared.TraceID(ctx),
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if owner := ownerOf(c); owner != "" {
			attrs = append(attrs, "owner", owner)
		}
		if err != nil {
			attrs = append(attrs, "error", shared.Redact(err.Error()))
		}
		s.logger.Log(ctx, level, "http request", attrs...)
	}
}

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody)
		c.Next()
	}
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error     string      `json:"error"`
	ErrorCode apperr.Code `json:"error_code"`
	// Retryable tells the caller the same request may succeed later.
	Retryable bool      `json:"retryable,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func abortWithError(c *gin.Context, err error) {
	code, msg := apperr.Public(err)
	ae, ok := apperr.As(err)
	if ok && ae.Code == apperr.CodeRateLimit && ae.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(ae.RetryAfter.Seconds()))))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(apperr.HTTPStatus(code), errorBody{
		Error:     msg,
		ErrorCode: code,
		Retryable: ok && ae.Retryable(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	body := gin.H{
		"uptime_seconds": int64(s.now().Sub(s.started).Seconds()),
	}
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			body["store_error"] = "unreachable"
		}
	}
	if s.policyVersion != nil {
		body["policy_version"] = s.policyVersion()
	}
	body["status"] = status
	c.JSON(code, body)
}

func (s *Server) handleChat(c *gin.Context) {
	var req chat.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, bodyError(err))
		return
	}
	resp, err := s.chat.HandleMessage(c.Request.Context(), ownerOf(c), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleResolve(approve bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := s.chat.Confirm(c.Request.Context(), ownerOf(c), c.Param("id"), approve)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) handleConversations(c *gin.Context) {
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		abortWithError(c, err)
		return
	}
	list, err := s.chat.Conversations(c.Request.Context(), ownerOf(c), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func (s *Server) handleMessages(c *gin.Context) {
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		abortWithError(c, err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		abortWithError(c, err)
		return
	}
	page, err := s.chat.History(c.Request.Context(), ownerOf(c), c.Param("id"), limit, offset)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleConfirmations(c *gin.Context) {
	list, err := s.chat.PendingConfirmations(c.Request.Context(), ownerOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"confirmations": list})
}

func (s *Server) handleToolCalls(c *gin.Context) {
	f, err := toolCallFilter(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	rows, err := s.audit.List(c.Request.Context(), f)
	if err != nil {
		abortWithError(c, apperr.Internal(err))
		return
	}
	if rows == nil {
		rows = []persistence.ToolCallLog{}
	}
	c.JSON(http.StatusOK, gin.H{"tool_calls": rows})
}

func (s *Server) handleUsage(c *gin.Context) {
	usage, err := s.audit.Usage(c.Request.Context(), ownerOf(c))
	if err != nil {
		abortWithError(c, apperr.Internal(err))
		return
	}
	if usage == nil {
		usage = []persistence.ToolUsage{}
	}
	c.JSON(http.StatusOK, gin.H{"usage": usage})
}

func toolCallFilter(c *gin.Context) (audit.Filter, error) {
	f := audit.Filter{Owner: ownerOf(c)}
	if tool := c.Query("tool"); tool != "" {
		kind, err := ops.ParseKind(tool)
		if err != nil {
			return f, apperr.Validation("Unknown tool name.")
		}
		f.ToolName = string(kind)
	}
	switch status := c.Query("status"); status {
	case "", persistence.ToolCallSuccess, persistence.ToolCallError, persistence.ToolCallPending:
		f.Status = status
	default:
		return f, apperr.Validation("Status must be success, error or pending.")
	}
	var err error
	if f.Since, err = timeQuery(c, "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeQuery(c, "until"); err != nil {
		return f, err
	}
	if f.Limit, err = intQuery(c, "limit", 0); err != nil {
		return f, err
	}
	if f.Offset, err = intQuery(c, "offset", 0); err != nil {
		return f, err
	}
	if f.Offset < 0 {
		return f, apperr.Validation("Offset must not be negative.")
	}
	return f, nil
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("Query parameter " + name + " must be an integer.")
	}
	return n, nil
}

func timeQuery(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.Validation("Query parameter " + name + " must be an RFC 3339 timestamp.")
	}
	return t.UTC(), nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.Validation("Request body is too large.")
	}
	return apperr.Validation("Request body must be a JSON chat request.")
}
