// Package health runs periodic checks over the controller's state DB, its
// data directory and its worker processes.
package health

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/devmesh/devmesh/internal/infra/device"
	"github.com/devmesh/devmesh/internal/infra/metrics"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Pinger is satisfied by *sqlite.DB.
type Pinger interface {
	Ping() error
}

// Fleet is satisfied by *device.Group.
type Fleet interface {
	Stats(ctx context.Context) []device.Stats
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	lg       zerolog.Logger
}

// minFreeBytes is the free space below which the data dir is unhealthy.
const minFreeBytes = 100 << 20

// NewChecker creates a checker for the state DB, the data directory and,
// when fleet is non-nil, the workers.
func NewChecker(db Pinger, fleet Fleet, dataDir string, lg zerolog.Logger) *Checker {
	c := &Checker{
		interval: 30 * time.Second,
		lg:       lg.With().Str("component", "health").Logger(),
		checks: []Check{
			{
				Name: "sqlite",
				CheckFn: func(ctx context.Context) error {
					return db.Ping()
				},
			},
			{
				Name: "disk_space",
				CheckFn: func(ctx context.Context) error {
					return checkDiskSpace(ctx, dataDir, minFreeBytes)
				},
			},
		},
	}
	if fleet != nil {
		c.checks = append(c.checks, Check{
			Name: "workers",
			CheckFn: func(ctx context.Context) error {
				return checkWorkers(fleet.Stats(ctx))
			},
		})
	}
	return c
}

// SetInterval changes the period between runs. Call before Run.
func (c *Checker) SetInterval(d time.Duration) {
	if d > 0 {
		c.interval = d
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			c.lg.Warn().Str("check", check.Name).Err(err).Msg("health check failed")
			if check.RecoverFn != nil {
				if rerr := check.RecoverFn(ctx); rerr != nil {
					c.lg.Error().Str("check", check.Name).Err(rerr).Msg("recovery failed")
				}
			}
		} else {
			s.Healthy = true
		}
		statuses[i] = s

		v := 0.0
		if s.Healthy {
			v = 1
		}
		metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(v)
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkDiskSpace(ctx context.Context, dir string, minBytes uint64) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Dir doesn't exist yet, that's fine
		}
		return fmt.Errorf("check disk: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return fmt.Errorf("check disk: %w", err)
	}
	if usage.Free < minBytes {
		return fmt.Errorf("%s has %d bytes free, want at least %d", dir, usage.Free, minBytes)
	}
	return nil
}

// checkWorkers fails when any worker is dead or stuck after a timeout.
func checkWorkers(stats []device.Stats) error {
	var bad []string
	for _, s := range stats {
		switch {
		case !s.Alive:
			bad = append(bad, s.Name+" dead")
		case !s.Healthy:
			bad = append(bad, s.Name+" unhealthy")
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("workers: %s", strings.Join(bad, ", "))
	}
	return nil
}
