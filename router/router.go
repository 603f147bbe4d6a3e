// Package router assembles A5: GET /health, GET /metrics, and
// POST /v1/messages behind the middleware chain (recovery -> request
// id -> access logging), the same ordering the reference gateway
// applies in its engine bootstrap.
package router

import (
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jinbowang1/claude-proxy/internal/metrics"
	"github.com/jinbowang1/claude-proxy/internal/proxy"
	"github.com/jinbowang1/claude-proxy/middleware"
)

// New builds the gin engine for the proxy service.
func New(logger *zap.Logger, logLevel string, handler *proxy.Handler) *gin.Engine {
	engine := gin.New()
	engine.Use(middleware.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Logging(logger, logLevel))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	reg := metrics.Registry()
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	engine.POST("/v1/messages", handler.ServeHTTP)

	return engine
}
