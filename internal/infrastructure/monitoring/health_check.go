package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
	now    func() time.Time
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{now: time.Now}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:    name,
		Check:   check,
		Timeout: timeout,
	})
}

// AddRedisCheck pings client on every evaluation.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// CheckAll runs every check with its own timeout. One failure marks the whole
// status unhealthy.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: h.now(),
		Checks:    make(map[string]string, len(checks)),
	}

	for _, check := range checks {
		if err := runCheck(ctx, check); err != nil {
			status.Status = StatusUnhealthy
			status.Checks[check.Name] = err.Error()
			continue
		}
		status.Checks[check.Name] = StatusHealthy
	}

	return status
}

func runCheck(ctx context.Context, check HealthCheck) error {
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, check.Timeout)
		defer cancel()
	}
	return check.Check(ctx)
}

// IsReady reports whether every check passes.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
