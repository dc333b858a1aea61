package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every target of a [Failover] failed or had an
// open breaker.
var ErrAllFailed = errors.New("resilience: all targets failed")

type target[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Failover holds an ordered list of equivalent targets (e.g. gateway
// endpoints), each behind its own [CircuitBreaker]. Targets are immutable
// after construction.
type Failover[T any] struct {
	targets []target[T]
	cfg     CircuitBreakerConfig
	// stop reports errors that no other target can fix; they are returned
	// immediately.
	stop func(error) bool
}

// NewFailover creates an empty Failover. breaker configures every target's
// breaker; stop may be nil.
func NewFailover[T any](breaker CircuitBreakerConfig, stop func(error) bool) *Failover[T] {
	if stop == nil {
		stop = func(error) bool { return false }
	}
	return &Failover[T]{cfg: breaker, stop: stop}
}

// Add appends a target. Targets are tried in the order they were added.
func (f *Failover[T]) Add(name string, value T) {
	cfg := f.cfg
	cfg.Name = name
	f.targets = append(f.targets, target[T]{name: name, value: value, breaker: NewCircuitBreaker(cfg)})
}

// Len returns the number of targets.
func (f *Failover[T]) Len() int { return len(f.targets) }

// States returns each target's breaker state keyed by name.
func (f *Failover[T]) States() map[string]State {
	out := make(map[string]State, len(f.targets))
	for _, t := range f.targets {
		out[t.name] = t.breaker.State()
	}
	return out
}

// Call runs fn against each target in order until one succeeds and returns
// its result. It is a function rather than a method because Go methods cannot
// declare type parameters.
func Call[T, R any](f *Failover[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range f.targets {
		t := &f.targets[i]
		var res R
		err := t.breaker.Execute(func() error {
			var err error
			res, err = fn(t.value)
			return err
		})
		if err == nil {
			return res, nil
		}
		if f.stop(err) {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("failover: skipping target, circuit open", "target", t.name)
			continue
		}
		slog.Warn("failover: target failed, trying next", "target", t.name, "err", err)
	}
	if lastErr == nil {
		return zero, ErrAllFailed
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
