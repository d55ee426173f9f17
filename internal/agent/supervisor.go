package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"time"

	"pingcrew/internal/metrics"
)

// ErrRestartBudgetExhausted is returned when a supervised worker keeps failing.
var ErrRestartBudgetExhausted = errors.New("restart budget exhausted")

// RestartPolicy bounds how a failing worker is restarted.
type RestartPolicy struct {
	MaxRestarts   int           // consecutive restarts before giving up
	InitialDelay  time.Duration // delay before the first restart
	MaxDelay      time.Duration // backoff cap
	BackoffFactor float64       // delay multiplier per consecutive failure
	ResetAfter    time.Duration // uptime after which the failure count resets
}

// DefaultRestartPolicy returns sensible restart defaults.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts:   5,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		ResetAfter:    time.Minute,
	}
}

// delay returns the wait before restart number n (1-based).
func (p RestartPolicy) delay(n int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(n-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Supervisor keeps a worker running: it restarts it with backoff when it
// fails and stops when the context is cancelled or the worker returns nil.
type Supervisor struct {
	name    string
	run     func(ctx context.Context) error
	policy  RestartPolicy
	metrics *metrics.Collector
	logger  *slog.Logger
}

type SupervisorConfig struct {
	Name    string
	Run     func(ctx context.Context) error
	Policy  RestartPolicy
	Metrics *metrics.Collector // optional
	Logger  *slog.Logger
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	def := DefaultRestartPolicy()
	if cfg.Policy.MaxRestarts < 0 {
		cfg.Policy.MaxRestarts = 0
	}
	if cfg.Policy.InitialDelay <= 0 {
		cfg.Policy.InitialDelay = def.InitialDelay
	}
	if cfg.Policy.MaxDelay < cfg.Policy.InitialDelay {
		cfg.Policy.MaxDelay = max(def.MaxDelay, cfg.Policy.InitialDelay)
	}
	if cfg.Policy.BackoffFactor < 1 {
		cfg.Policy.BackoffFactor = def.BackoffFactor
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		name:    cfg.Name,
		run:     cfg.Run,
		policy:  cfg.Policy,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Run blocks until the worker stops cleanly, ctx is cancelled, or the
// restart budget is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	failures := 0
	for {
		started := time.Now()
		err := s.runOnce(ctx)

		if ctx.Err() != nil {
			s.logger.Info("supervisor shutting down", "worker", s.name)
			return nil
		}
		if err == nil {
			s.logger.Info("worker stopped", "worker", s.name)
			return nil
		}

		if s.policy.ResetAfter > 0 && time.Since(started) >= s.policy.ResetAfter {
			failures = 0
		}
		failures++
		if failures > s.policy.MaxRestarts {
			s.logger.Error("worker failed, giving up", "worker", s.name, "failures", failures, "err", err)
			return fmt.Errorf("%s: %w after %d restarts: %w", s.name, ErrRestartBudgetExhausted, s.policy.MaxRestarts, err)
		}

		s.metrics.CountRestart(s.name)
		wait := s.policy.delay(failures)
		s.logger.Warn("worker failed, restarting",
			"worker", s.name,
			"attempt", failures,
			"backoff", wait,
			"err", err,
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("supervisor shutting down", "worker", s.name)
			return nil
		case <-timer.C:
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked", "worker", s.name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.run(ctx)
}
