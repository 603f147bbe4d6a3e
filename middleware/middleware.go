// Package middleware assembles the request-id, logging, and recovery
// middleware chain A5 names. The logger-injection approach mirrors
// the reference gateway's use of gmw.NewLoggerMiddleware plus a
// tracing middleware layered on top; here the id source is a fresh
// UUID per request (github.com/google/uuid, already part of the
// dependency graph via gin-middlewares) rather than OpenTelemetry
// trace propagation, which this proxy does not carry.
package middleware

import (
	"net/http"
	"runtime/debug"

	gmw "github.com/Laisky/gin-middlewares/v7"
	glog "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jinbowang1/claude-proxy/internal/ctxkey"
)

// RequestID assigns a request id (reusing an inbound X-Request-Id
// header if the caller supplied one) and stores it on the gin context
// and response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxkey.RequestID, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// Logging builds the per-request structured logging middleware,
// binding base to every request's context via gmw so C2-C6 can fetch
// it with gmw.GetLogger(c).
func Logging(base *zap.Logger, level string) gin.HandlerFunc {
	return gmw.NewLoggerMiddleware(
		gmw.WithLevel(levelString(level)),
		gmw.WithLogger(base),
	)
}

func levelString(level string) string {
	switch level {
	case "debug":
		return glog.LevelDebug.String()
	case "warn":
		return glog.LevelWarn.String()
	case "error":
		return glog.LevelError.String()
	default:
		return glog.LevelInfo.String()
	}
}

// Recovery converts a panic anywhere downstream into a 500 response
// instead of crashing the process, logging the stack for diagnosis.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				gmw.GetLogger(c).Error("recovered panic in request handler",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}
