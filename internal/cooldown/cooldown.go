// Package cooldown rate-limits generation requests per user.
package cooldown

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manash/imgrelay/pkg/models"
)

// Outcomes passed to an Observer.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeBypassed = "bypassed"
	OutcomeDisabled = "disabled"
	OutcomeError    = "error"
)

// Store holds the last accepted timestamp per user. Acquire must make the
// read-compare-write atomic for a given user and must not touch the record on
// rejection.
type Store interface {
	// Acquire accepts the request when the user has no record or its cooldown
	// has elapsed, storing now. Otherwise it returns the remaining wait.
	Acquire(ctx context.Context, userID string, now time.Time, cooldown time.Duration) (accepted bool, remaining time.Duration, err error)
}

type Observer interface {
	ObserveCooldown(outcome string)
}

type Config struct {
	Duration time.Duration `mapstructure:"duration" yaml:"duration"`
	Admins   []string      `mapstructure:"admins" yaml:"admins"`
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func WithObserver(obs Observer) Option {
	return func(g *Guard) { g.observer = obs }
}

type Guard struct {
	duration time.Duration
	admins   map[string]struct{}
	store    Store
	now      func() time.Time
	observer Observer
	logger   *zap.Logger
}

func NewGuard(cfg Config, store Store, logger *zap.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore(0)
	}
	admins := make(map[string]struct{}, len(cfg.Admins))
	for _, a := range cfg.Admins {
		if a = strings.TrimSpace(a); a != "" {
			admins[a] = struct{}{}
		}
	}
	g := &Guard{
		duration: cfg.Duration,
		admins:   admins,
		store:    store,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "cooldown")),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Duration() time.Duration {
	return g.duration
}

func (g *Guard) IsAdmin(userID string) bool {
	_, ok := g.admins[userID]
	return ok
}

// Check returns nil when userID may generate now, or a *models.ThrottledError.
// A store failure lets the request through.
func (g *Guard) Check(ctx context.Context, userID string) error {
	if g.duration <= 0 {
		g.observe(OutcomeDisabled)
		return nil
	}
	if g.IsAdmin(userID) {
		g.observe(OutcomeBypassed)
		return nil
	}

	accepted, remaining, err := g.store.Acquire(ctx, userID, g.now(), g.duration)
	if err != nil {
		g.logger.Warn("cooldown store unavailable, allowing request", zap.String("user", userID), zap.Error(err))
		g.observe(OutcomeError)
		return nil
	}
	if !accepted {
		g.logger.Info("request throttled", zap.String("user", userID), zap.Duration("remaining", remaining))
		g.observe(OutcomeRejected)
		return &models.ThrottledError{Remaining: remaining}
	}

	g.observe(OutcomeAccepted)
	return nil
}

func (g *Guard) observe(outcome string) {
	if g.observer != nil {
		g.observer.ObserveCooldown(outcome)
	}
}
