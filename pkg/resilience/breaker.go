package resilience

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ServiceBreaker wraps gobreaker with paasctl defaults.
type ServiceBreaker struct {
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

// BreakerOption configures a ServiceBreaker.
type BreakerOption func(*gobreaker.Settings)

// WithMaxRequests sets how many requests may pass in half-open state.
func WithMaxRequests(n uint32) BreakerOption {
	return func(s *gobreaker.Settings) { s.MaxRequests = n }
}

// WithInterval sets the stat-collection window of the closed state.
func WithInterval(d time.Duration) BreakerOption {
	return func(s *gobreaker.Settings) { s.Interval = d }
}

// WithTimeout sets how long the breaker stays open before half-open.
func WithTimeout(d time.Duration) BreakerOption {
	return func(s *gobreaker.Settings) { s.Timeout = d }
}

// WithFailureThreshold sets the consecutive failures that trip the breaker.
func WithFailureThreshold(n uint32) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= n
		}
	}
}

// NewServiceBreaker creates a circuit breaker with paasctl defaults:
// 3 half-open requests, 60s window, 30s open timeout, 5 failures to trip.
func NewServiceBreaker(name string, opts ...BreakerOption) *ServiceBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}

	return &ServiceBreaker{
		cb:   gobreaker.NewCircuitBreaker[any](settings),
		name: name,
	}
}

// Execute runs an operation through the circuit breaker.
func (b *ServiceBreaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// ExecuteWithResult runs an operation returning a value through the breaker.
func ExecuteWithResult[T any](b *ServiceBreaker, fn func() (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// State returns the breaker's current state name.
func (b *ServiceBreaker) State() string {
	return b.cb.State().String()
}

// Name returns the breaker's name.
func (b *ServiceBreaker) Name() string {
	return b.name
}

// IsOpen reports whether the breaker is currently rejecting requests.
func (b *ServiceBreaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

var (
	sshBreaker     *ServiceBreaker
	sshBreakerOnce sync.Once
)

// GetSSHBreaker returns the shared breaker protecting SSH dispatch.
func GetSSHBreaker() *ServiceBreaker {
	sshBreakerOnce.Do(func() {
		sshBreaker = NewServiceBreaker("ssh",
			WithFailureThreshold(3),
			WithTimeout(60*time.Second),
		)
	})
	return sshBreaker
}
