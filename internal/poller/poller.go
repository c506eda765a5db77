// Package poller turns submit/poll/terminal backend protocols into a single
// blocking call with a bounded total wait.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manash/imgrelay/pkg/models"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultMaxAttempts = 60
)

type Status int

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// TaskHandle is a backend's reference to a submitted, not yet finished job.
type TaskHandle struct {
	ID        string
	CreatedAt time.Time
}

func NewTaskHandle(id string) TaskHandle {
	return TaskHandle{ID: id, CreatedAt: time.Now()}
}

// Observation is one status query result. Backend-specific statuses other than
// success or failure map to StatusPending.
type Observation struct {
	Status    Status
	ImageURL  string
	ImageData []byte
	Message   string
}

func (o Observation) hasImage() bool {
	return o.ImageURL != "" || len(o.ImageData) > 0
}

// QueryFunc asks the backend for the current state of task.
type QueryFunc func(ctx context.Context, task TaskHandle) (Observation, error)

type Poller struct {
	Interval    time.Duration
	MaxAttempts int
	// OnAttempt, when set, is called with the status of every completed query.
	OnAttempt func(Status)

	logger *zap.Logger
}

func New(interval time.Duration, maxAttempts int, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		Interval:    interval,
		MaxAttempts: maxAttempts,
		logger:      logger.With(zap.String("component", "poller")),
	}
}

// Budget is the longest Wait can block before giving up.
func (p *Poller) Budget() time.Duration {
	return p.Interval * time.Duration(p.MaxAttempts)
}

// Wait sleeps Interval before each query and stops at the first terminal status.
// It returns the successful observation, or an error wrapping ErrTransport,
// ErrBackend, ErrNoImage or ErrTaskTimeout.
func (p *Poller) Wait(ctx context.Context, task TaskHandle, query QueryFunc) (Observation, error) {
	timer := time.NewTimer(p.Interval)
	defer timer.Stop()

	log := p.logger.With(zap.String("task_id", task.ID))

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Observation{}, ctx.Err()
		case <-timer.C:
		}

		obs, err := query(ctx, task)
		if err != nil {
			log.Debug("poll query failed", zap.Int("attempt", attempt), zap.Error(err))
			return Observation{}, classify(err)
		}
		if p.OnAttempt != nil {
			p.OnAttempt(obs.Status)
		}

		switch obs.Status {
		case StatusSucceeded:
			if !obs.hasImage() {
				return Observation{}, models.ErrNoImage
			}
			log.Debug("task succeeded", zap.Int("attempt", attempt))
			return obs, nil
		case StatusFailed:
			msg := strings.TrimSpace(obs.Message)
			if msg == "" {
				msg = "task failed"
			}
			return Observation{}, fmt.Errorf("%w: %s", models.ErrBackend, msg)
		}

		log.Debug("task pending", zap.Int("attempt", attempt), zap.Int("max_attempts", p.MaxAttempts))
		timer.Reset(p.Interval)
	}

	return Observation{}, fmt.Errorf("%w: no result after %d attempts (%s)",
		models.ErrTaskTimeout, p.MaxAttempts, p.Budget())
}

func classify(err error) error {
	if errors.Is(err, models.ErrTransport) || errors.Is(err, models.ErrBackend) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrTransport, err)
}
