package events

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrBrokerUnavailable is returned while the breaker is open.
var ErrBrokerUnavailable = errors.New("events: broker unavailable")

// BreakerSink stops calling a failing broker for a cool-down period so request latency is not
// spent on timeouts.
type BreakerSink struct {
	next    Sink
	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings tunes the breaker. Zero values fall back to defaults.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures int
	OpenTimeout         time.Duration
	Logger              *zap.Logger
}

// NewBreakerSink wraps next.
func NewBreakerSink(next Sink, settings BreakerSettings) *BreakerSink {
	failures := settings.ConsecutiveFailures
	if failures <= 0 {
		failures = 5
	}
	timeout := settings.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	name := settings.Name
	if name == "" {
		name = "events"
	}
	logger := settings.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BreakerSink{
		next: next,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(failures)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("event breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

// Send forwards msg unless the breaker is open.
func (s *BreakerSink) Send(ctx context.Context, msg Message) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBrokerUnavailable
	}
	return err
}

// State reports the breaker state, used by readiness checks.
func (s *BreakerSink) State() gobreaker.State {
	return s.breaker.State()
}

// Ping fails while the breaker is open and otherwise delegates to the wrapped sink when it can be
// pinged.
func (s *BreakerSink) Ping(ctx context.Context) error {
	if s.breaker.State() == gobreaker.StateOpen {
		return ErrBrokerUnavailable
	}
	if pinger, ok := s.next.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Close closes the wrapped sink.
func (s *BreakerSink) Close() error {
	return s.next.Close()
}
