// Package handlers exposes the broker over a JSON REST API.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.helix.bus/internal/audit"
	"dev.helix.bus/internal/broker"
)

// RouterOptions wires the API surface.
type RouterOptions struct {
	Broker *broker.Broker
	Logger *logrus.Logger
	// Metrics, when set, is mounted at MetricsPath.
	Metrics     http.Handler
	MetricsPath string
	// Audit, when set, exposes recent audit records at /audit.
	Audit *audit.MemorySink
	// Mode is gin's mode: "debug" or "release".
	Mode string
}

// NewRouter assembles the gin engine with all routes mounted.
func NewRouter(opts RouterOptions) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(opts.Metrics))
	}

	if opts.Audit != nil {
		r.GET("/audit", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"records": opts.Audit.Records()})
		})
	}

	NewManagementHandler(opts.Broker, logger).RegisterRoutes(r)
	NewMessageHandler(opts.Broker, logger).RegisterRoutes(r)
	return r
}

// requestLogger logs one line per request at debug level.
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("request handled")
	}
}
