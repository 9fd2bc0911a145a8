// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration shared by all bridges.
type Config struct {
	// Publish is a process-wide budget for remote publishes, applied after
	// each bridge's own interval check.
	Publish PublishConfig `yaml:"publish"`
}

// PublishConfig holds the remote publish token bucket settings.
type PublishConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // messages per second across all bridges
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a configuration with the global budget disabled.
func DefaultConfig() Config {
	return Config{
		Publish: PublishConfig{
			Enabled: false,
			Rate:    1000,
			Burst:   100,
		},
	}
}

// Manager creates per-bridge interval limiters and owns the global remote
// publish budget.
type Manager struct {
	config   Config
	publish  *rate.Limiter
	rejected atomic.Uint64
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg}
	if cfg.Publish.Enabled {
		burst := cfg.Publish.Burst
		if burst < 1 {
			burst = 1
		}
		m.publish = rate.NewLimiter(rate.Limit(cfg.Publish.Rate), burst)
	}
	return m
}

// ForFrequency returns a fresh limiter for one bridge. A nil Manager still
// hands out limiters.
func (m *Manager) ForFrequency(frequency float64) *Interval {
	return NewFrequency(frequency)
}

// AllowPublish checks the global remote publish budget at now.
func (m *Manager) AllowPublish(now time.Time) bool {
	if m == nil || m.publish == nil {
		return true
	}
	if m.publish.AllowN(now, 1) {
		return true
	}
	m.rejected.Add(1)
	return false
}

// Rejected returns how many publishes the global budget has refused.
func (m *Manager) Rejected() uint64 {
	if m == nil {
		return 0
	}
	return m.rejected.Load()
}
