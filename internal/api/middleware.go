package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"stv/longvideo/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ctxTraceID = "trace_id"
	ctxOwnerID = "owner_id"

	anonymousOwner = "anonymous"
)

// TraceMiddleware tags each request with a trace id, reusing X-Trace-Id or
// X-Request-Id from a proxy when present.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := firstHeader(c, "X-Trace-Id", "X-Request-Id")
		if traceID == "" {
			traceID = newTraceID()
		}
		c.Set(ctxTraceID, traceID)
		c.Header("X-Trace-Id", traceID)
		c.Next()
	}
}

func newTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func firstHeader(c *gin.Context, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(c.GetHeader(n)); v != "" {
			return v
		}
	}
	return ""
}

// RequestLogMiddleware logs one line per request. Event streams are logged when they close.
func RequestLogMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http_request",
			"trace_id", contextString(c, ctxTraceID),
			"owner_id", contextString(c, ctxOwnerID),
			"method", c.Request.Method,
			"route", c.FullPath(),
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"client_ip", c.ClientIP(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}

// OwnerMiddleware resolves the task owner. With auth disabled the optional
// X-Owner-Id header names the owner; without it every caller shares one.
func OwnerMiddleware(authSvc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authSvc == nil {
			owner := strings.TrimSpace(c.GetHeader("X-Owner-Id"))
			if owner == "" {
				owner = anonymousOwner
			}
			c.Set(ctxOwnerID, owner)
			c.Next()
			return
		}
		scheme, token, found := strings.Cut(c.GetHeader("Authorization"), " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			writeUnauthorized(c)
			c.Abort()
			return
		}
		claims, err := authSvc.ParseAccess(strings.TrimSpace(token))
		if err != nil {
			writeUnauthorized(c)
			c.Abort()
			return
		}
		c.Set(ctxOwnerID, claims.OwnerID)
		c.Next()
	}
}

func traceIDFromContext(c *gin.Context) string { return contextString(c, ctxTraceID) }

func ownerIDFromContext(c *gin.Context) string { return contextString(c, ctxOwnerID) }

func contextString(c *gin.Context, key string) string {
	if s, ok := c.Value(key).(string); ok {
		return s
	}
	return ""
}

func requireJSON(c *gin.Context) bool {
	if c.ContentType() == "" {
		return true
	}
	if strings.Contains(c.ContentType(), "application/json") {
		return true
	}
	writeError(c, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "Content-Type must be application/json", false, nil)
	return false
}
