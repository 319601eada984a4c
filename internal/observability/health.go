package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthStatus classifies a component or the whole process.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// HealthCheck probes one dependency; a nil return means healthy.
type HealthCheck func(ctx context.Context) error

// ComponentHealth is the outcome of one check run.
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration_ms"`
}

// Health is the aggregate served by the /health endpoint.
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
	Version    string                     `json:"version"`
	Uptime     time.Duration              `json:"uptime_seconds"`
}

// IsUnhealthy reports whether any component failed its last check.
func (h *Health) IsUnhealthy() bool { return h.Status == HealthStatusUnhealthy }

// IsHealthy reports whether every component passed its last check.
func (h *Health) IsHealthy() bool { return h.Status == HealthStatusHealthy }

// HealthChecker runs registered dependency probes on demand, caching each
// result briefly so a scraping load balancer cannot hammer the backing
// stores through /health.
type HealthChecker struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	cache     map[string]ComponentHealth
	cacheTTL  time.Duration
	logger    zerolog.Logger
	startTime time.Time
	version   string
}

// NewHealthChecker creates a checker with no registered probes.
func NewHealthChecker(logger zerolog.Logger, version string) *HealthChecker {
	return &HealthChecker{
		checks:    make(map[string]HealthCheck),
		cache:     make(map[string]ComponentHealth),
		cacheTTL:  10 * time.Second,
		logger:    logger.With().Str("component", "health").Logger(),
		startTime: time.Now(),
		version:   version,
	}
}

// RegisterCheck adds a named probe.
func (hc *HealthChecker) RegisterCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
	hc.logger.Info().Str("check", name).Msg("health check registered")
}

// UnregisterCheck removes a probe and its cached result.
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
	delete(hc.cache, name)
}

// Check runs every registered probe concurrently and folds the results into
// an aggregate status: any unhealthy component makes the whole unhealthy,
// and a checker with no probes reports unknown.
func (hc *HealthChecker) Check(ctx context.Context) *Health {
	hc.mu.RLock()
	checks := make(map[string]HealthCheck, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.RUnlock()

	results := make(chan ComponentHealth, len(checks))
	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()
			results <- hc.runCheck(ctx, name, check)
		}(name, check)
	}
	wg.Wait()
	close(results)

	components := make(map[string]ComponentHealth, len(checks))
	overall := HealthStatusHealthy
	for res := range results {
		components[res.Name] = res
		switch res.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall != HealthStatusUnhealthy {
				overall = HealthStatusDegraded
			}
		}
	}
	if len(components) == 0 {
		overall = HealthStatusUnknown
	}

	return &Health{
		Status:     overall,
		Timestamp:  time.Now(),
		Components: components,
		Version:    hc.version,
		Uptime:     time.Since(hc.startTime),
	}
}

func (hc *HealthChecker) runCheck(ctx context.Context, name string, check HealthCheck) ComponentHealth {
	if cached, ok := hc.cachedResult(name); ok {
		return cached
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	err := check(checkCtx)
	result := ComponentHealth{
		Name:      name,
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Error = err.Error()
		hc.logger.Warn().Str("check", name).Err(err).Msg("health check failed")
	}

	hc.mu.Lock()
	hc.cache[name] = result
	hc.mu.Unlock()
	return result
}

func (hc *HealthChecker) cachedResult(name string) (ComponentHealth, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	cached, ok := hc.cache[name]
	if !ok || time.Since(cached.Timestamp) > hc.cacheTTL {
		return ComponentHealth{}, false
	}
	return cached, true
}

// DatabaseHealthCheck probes the Postgres pool behind the repository.
func DatabaseHealthCheck(pingFunc func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) error {
		if err := pingFunc(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		return nil
	}
}

// RedisHealthCheck probes the Redis connection behind the pin store.
func RedisHealthCheck(pingFunc func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) error {
		if err := pingFunc(ctx); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}
}
