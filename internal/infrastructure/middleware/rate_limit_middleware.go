package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"meshcall/pkg/config"
	apperrors "meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burstSize int
	idleTTL   time.Duration
	lastPrune time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*limiterEntry),
		rate:      r,
		burstSize: burst,
		idleTTL:   10 * time.Minute,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastPrune) > s.idleTTL {
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) > s.idleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastPrune = now
	}

	entry, exists := s.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// clientIP returns the first X-Forwarded-For hop, else the remote address host.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func passThrough(c *gin.Context) {
	c.Next()
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies IP-based rate
// limiting and an optional cap on concurrent requests.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				abortWithError(c, apperrors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		if !store.getLimiter(clientIP(c.Request)).Allow() {
			c.Header("Retry-After", "1")
			abortWithError(c, apperrors.NewRateLimitError())
			return
		}
		c.Next()
	}
}

// NewWebSocketUpgradeLimiter limits how often a single IP may open signaling
// sessions, using rate_limiting.websocket.connections_per_minute.
func NewWebSocketUpgradeLimiter(cfg *config.Config) gin.HandlerFunc {
	perMinute := cfg.RateLimiting.WebSocket.ConnectionsPerMinute
	if !cfg.RateLimiting.Enabled || perMinute <= 0 {
		return passThrough
	}

	store := newRateLimiterStore(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)

	return func(c *gin.Context) {
		if !store.getLimiter(clientIP(c.Request)).Allow() {
			c.Header("Retry-After", "60")
			abortWithError(c, apperrors.NewRateLimitError().WithContext("limit", "connections_per_minute"))
			return
		}
		c.Next()
	}
}

// abortWithError answers in the same shape as ErrorHandlerMiddleware.
func abortWithError(c *gin.Context, appErr *apperrors.AppError) {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus, body)
}
