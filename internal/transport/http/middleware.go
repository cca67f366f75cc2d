package http

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richardliu001/order-service/internal/apperr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	headerRequestID = "X-Request-Id"
	headerTenant    = "X-Tenant-Id"
	headerTenantAlt = "Tenant-Id"

	ctxTenantKey    = "tenant_id"
	ctxRequestIDKey = "request_id"
)

// tenantExempt lists path prefixes served without a tenant header.
var tenantExempt = []string{"/healthz", "/docs", "/schema", "/redoc"}

func isTenantExempt(path string) bool {
	for _, prefix := range tenantExempt {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// RequestIDMiddleware propagates X-Request-Id, minting one when absent.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestIDKey, id)
		c.Writer.Header().Set(headerRequestID, id)
		c.Next()
	}
}

// LoggingMiddleware prints request/response metrics, plus any error the
// handler attached to the context.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []interface{}{
			"request_id", c.GetString(ctxRequestIDKey),
			"tenant_id", c.GetString(ctxTenantKey),
		}
		if len(c.Errors) > 0 {
			log.With(fields...).Errorf("%s %s %d %s: %s",
				c.Request.Method, c.Request.URL.Path, status, time.Since(start), c.Errors.Last().Err)
			return
		}
		log.With(fields...).Infof("%s %s %d %s",
			c.Request.Method, c.Request.URL.Path, status, time.Since(start))
	}
}

// RateLimitMiddleware simple token bucket per client IP.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	newLimiter := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) }
	return func(c *gin.Context) {
		ip := c.ClientIP()
		mu.Lock()
		lim, ok := buckets[ip]
		if !ok {
			lim = newLimiter()
			buckets[ip] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{Code: "rate_limited", Message: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// TenantMiddleware requires a tenant header on every non-exempt path and
// stores it for handlers under ctxTenantKey.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isTenantExempt(c.Request.URL.Path) {
			c.Next()
			return
		}
		tenant := strings.TrimSpace(c.GetHeader(headerTenant))
		if tenant == "" {
			tenant = strings.TrimSpace(c.GetHeader(headerTenantAlt))
		}
		if tenant == "" {
			writeError(c, apperr.ErrMissingTenant)
			c.Abort()
			return
		}
		c.Set(ctxTenantKey, tenant)
		c.Next()
	}
}
