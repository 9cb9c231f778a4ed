package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"webshield/internal/metrics"
	"webshield/internal/models"
	"webshield/internal/service"

	"github.com/gin-gonic/gin"
)

// FirewallMiddleware runs every request through the inspection pipeline
// before any handler sees it. Blocked requests get a 403 with the
// public message; the reason detail stays in the audit log.
func FirewallMiddleware(inspector *service.Inspector) gin.HandlerFunc {
	// Probe endpoints stay reachable for orchestrators; /metrics has its
	// own IP allowlist.
	exempt := map[string]bool{
		"/health":  true,
		"/ready":   true,
		"/metrics": true,
	}
	return func(c *gin.Context) {
		if exempt[c.Request.URL.Path] {
			c.Next()
			return
		}
		req := captureRequest(c)
		decision := inspector.Inspect(req)
		if !decision.Allowed {
			status := http.StatusForbidden
			if decision.Reason == models.ReasonRateLimit {
				status = http.StatusTooManyRequests
			}
			c.AbortWithStatusJSON(status, gin.H{"error": decision.Message})
			return
		}
		c.Next()
	}
}

// captureRequest snapshots the request before handlers consume the
// body. Form data is only parsed for the content types that carry it.
func captureRequest(c *gin.Context) models.RequestInfo {
	info := models.RequestInfo{
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Method:    c.Request.Method,
		Path:      c.Request.URL.RequestURI(),
		Query:     c.Request.URL.Query(),
	}

	switch ct := c.ContentType(); {
	case ct == "application/x-www-form-urlencoded":
		_ = c.Request.ParseForm()
		info.Form = c.Request.PostForm
	case strings.HasPrefix(ct, "multipart/form-data"):
		_ = c.Request.ParseMultipartForm(1 << 20)
		info.Form = c.Request.PostForm
	}
	return info
}

func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		c.Next()
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		metrics.MetricHttpDuration.WithLabelValues(path, c.Request.Method, status).Observe(duration)
	}
}

// SecurityHeadersMiddleware sets the response headers every surface of
// the console carries.
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
