// Package breaker builds the circuit breakers that guard upstream services.
package breaker

import (
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"memscreen/internal/config"
)

// New constructs a circuit breaker named for its upstream. The breaker trips
// when the failure ratio crosses the configured threshold, but only after
// enough requests have been seen to make the ratio meaningful.
func New(name string, cfg config.BreakerConfig, logger *zap.Logger) *gobreaker.CircuitBreaker {
	interval := parse(cfg.Interval, 30*time.Second)
	timeout := parse(cfg.Timeout, 60*time.Second)
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.6
	}
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 5
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: maxRequests,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

func parse(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
