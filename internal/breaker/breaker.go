// Package breaker wraps sony/gobreaker with the trip policy shared by
// every sidecar dependency: a run of consecutive failures opens the
// circuit, the open interval rejects calls outright, and a single
// half-open probe decides between closing and re-opening.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

// Config mirrors the tenant-independent trip policy.
type Config struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Breaker guards calls to one named dependency.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[any]
}

// New builds a breaker. State changes are logged and exported as a gauge.
func New(name string, cfg Config, log *logger.Logger, m *metrics.Metrics) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 3
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		// One successful half-open probe closes the circuit; one failure
		// re-opens it.
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if log != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			entry := log.With("breaker", name).New(context.Background())
			if m != nil {
				m.BreakerState.WithLabelValues(name).Set(stateValue(to))
			}
			if to == gobreaker.StateOpen {
				entry.Error("Circuit breaker opened", "from", from.String())
				return
			}
			entry.Info("Circuit breaker state changed", "from", from.String(), "to", to.String())
		}
	}

	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// Do runs fn through the breaker. An open circuit surfaces as an upstream
// error without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Upstream(err, apperr.Code(apperr.ServiceShared, 1, 1), b.name+" circuit open")
	}
	return err
}

// State exposes the current breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
