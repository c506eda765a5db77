package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manash/imgrelay/pkg/models"
)

const (
	OutcomeOpened    = "opened"
	OutcomeReplaced  = "replaced"
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeExpired   = "expired"
	OutcomeSwept     = "swept"
)

// Observer receives session lifecycle outcomes.
type Observer interface {
	ObserveSession(outcome string)
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithObserver(obs Observer) Option {
	return func(m *Manager) { m.observer = obs }
}

type entry struct {
	mu      sync.Mutex
	sess    *Session
	removed bool
}

// Manager owns every open session, at most one per user. The map lock is held
// only for lookups; event processing holds the per-session lock so that
// resolving images for one user never blocks another.
type Manager struct {
	cfg      Config
	resolver Resolver
	logger   *zap.Logger
	observer Observer
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

func NewManager(cfg Config, resolver Resolver, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		resolver: resolver,
		logger:   logger.With(zap.String("component", "session")),
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Open starts a new session for userID, replacing any session already open.
func (m *Manager) Open(userID, prompt string, mode models.InputMode) Session {
	now := m.now()
	sess := &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		Prompt:       prompt,
		Mode:         mode,
		StartedAt:    now,
		LastActivity: now,
		State:        StateWaiting,
	}

	m.mu.Lock()
	old := m.sessions[userID]
	m.sessions[userID] = &entry{sess: sess}
	m.mu.Unlock()

	if old != nil {
		old.mu.Lock()
		old.removed = true
		old.mu.Unlock()
		m.observe(OutcomeReplaced)
		m.logger.Info("session replaced", zap.String("user_id", userID))
	}
	m.observe(OutcomeOpened)
	m.logger.Info("session opened",
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
		zap.Stringer("mode", mode))

	return sess.clone()
}

// Handle feeds ev to the user's open session. It reports false when the user
// has no session, in which case ev should be processed as a normal message.
// Terminal outcomes release the session before Handle returns.
func (m *Manager) Handle(ctx context.Context, ev models.Event) (Outcome, bool) {
	e := m.lookup(ev.UserID)
	if e == nil {
		return Outcome{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Outcome{}, false
	}

	sess := e.sess
	now := m.now()
	if now.Sub(sess.LastActivity) > m.cfg.Timeout {
		sess.State = StateExpired
		m.release(ev.UserID, e)
		m.observe(OutcomeExpired)
		m.logger.Info("session expired",
			zap.String("session_id", sess.ID),
			zap.String("user_id", ev.UserID),
			zap.Duration("idle", now.Sub(sess.LastActivity)))
		out := Outcome{SessionID: sess.ID, State: StateExpired}
		out.notice("edit session timed out, send the edit command again")
		return out, true
	}

	out := sess.step(ctx, m.cfg, m.resolver, ev, now)
	switch out.State {
	case StateCompleting:
		m.release(ev.UserID, e)
		m.observe(OutcomeCompleted)
	case StateCancelled:
		m.release(ev.UserID, e)
		m.observe(OutcomeCancelled)
	}
	m.logger.Debug("session event",
		zap.String("session_id", sess.ID),
		zap.String("user_id", ev.UserID),
		zap.Stringer("state", out.State),
		zap.Int("accepted", out.Accepted),
		zap.Int("images", len(sess.Images)))

	return out, true
}

// Cancel discards the user's open session, if any.
func (m *Manager) Cancel(userID string) bool {
	e := m.lookup(userID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	e.sess.State = StateCancelled
	m.release(userID, e)
	m.observe(OutcomeCancelled)
	m.logger.Info("session cancelled", zap.String("user_id", userID))
	return true
}

// Get returns a snapshot of the user's open session.
func (m *Manager) Get(userID string) (Session, bool) {
	e := m.lookup(userID)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Session{}, false
	}
	return e.sess.clone(), true
}

func (m *Manager) Active(userID string) bool {
	return m.lookup(userID) != nil
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep releases sessions idle for longer than timeout plus grace. Sessions
// busy handling an event are skipped until the next sweep.
func (m *Manager) Sweep() int {
	now := m.now()
	limit := m.cfg.Timeout + m.cfg.Grace

	m.mu.Lock()
	candidates := make(map[string]*entry, len(m.sessions))
	for userID, e := range m.sessions {
		candidates[userID] = e
	}
	m.mu.Unlock()

	swept := 0
	for userID, e := range candidates {
		if !e.mu.TryLock() {
			continue
		}
		if !e.removed && now.Sub(e.sess.LastActivity) > limit {
			e.sess.State = StateExpired
			m.release(userID, e)
			m.observe(OutcomeSwept)
			swept++
		}
		e.mu.Unlock()
	}
	if swept > 0 {
		m.logger.Info("swept idle sessions", zap.Int("count", swept))
	}
	return swept
}

// Run sweeps at interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = m.cfg.Timeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) lookup(userID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID]
}

// release must be called with e.mu held.
func (m *Manager) release(userID string, e *entry) {
	e.removed = true
	m.mu.Lock()
	if m.sessions[userID] == e {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
}

func (m *Manager) observe(outcome string) {
	if m.observer != nil {
		m.observer.ObserveSession(outcome)
	}
}
