// Package orchestrator tries backends in caller-supplied order and returns the
// first success, aggregating every failure otherwise.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/pkg/models"
)

const unknownError = "unknown error"

// Observer receives one call per backend attempt.
type Observer interface {
	ObserveAttempt(provider, op string, success bool, elapsed time.Duration)
}

type Option func(*Orchestrator)

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

type Orchestrator struct {
	registry *provider.Registry
	logger   *zap.Logger
	observer Observer
}

func New(registry *provider.Registry, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		registry: registry,
		logger:   logger.With(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Registry() *provider.Registry {
	return o.registry
}

// GenerateActive runs Generate over every active backend in registration order.
func (o *Orchestrator) GenerateActive(ctx context.Context, cfg models.GenerationConfig) models.GenerationResult {
	return o.Generate(ctx, o.registry.Active(), cfg)
}

// Generate tries names strictly in order, one at a time. Names that are not
// registered or not active are recorded as not configured and never attempted.
// With a single candidate its own message is returned unchanged; with several,
// the message lists every candidate's failure.
func (o *Orchestrator) Generate(ctx context.Context, names []string, cfg models.GenerationConfig) models.GenerationResult {
	if len(names) == 0 {
		return models.ErrorResult(fmt.Errorf("%w: no providers available", models.ErrNotConfigured))
	}

	failures := make([]string, 0, len(names))
	var lastMsg string

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			failures = append(failures, name+": "+err.Error())
			lastMsg = err.Error()
			continue
		}

		capability, ok := o.registry.Get(name)
		if !ok || !o.registry.IsActive(name) {
			lastMsg = models.ErrNotConfigured.Error()
			failures = append(failures, name+": "+lastMsg)
			o.logger.Debug("provider skipped", zap.String("provider", name))
			continue
		}

		result := o.attempt(name, "generate", func() models.GenerationResult {
			return capability.Generate(ctx, cfg)
		})
		if result.Success {
			result.Provider = name
			return result
		}

		lastMsg = result.ErrorMessage
		failures = append(failures, name+": "+lastMsg)
		o.logger.Warn("provider failed, falling back",
			zap.String("provider", name),
			zap.String("error", lastMsg))
	}

	if len(names) == 1 {
		return models.FailureResult(lastMsg)
	}
	return models.FailureResult("all providers failed; details: " + strings.Join(failures, "; "))
}

// Edit makes exactly one edit attempt against ed.
func (o *Orchestrator) Edit(ctx context.Context, ed provider.Editor, prompt string, images []models.EncodedImage) models.GenerationResult {
	name := ed.Name()
	result := o.attempt(name, "edit", func() models.GenerationResult {
		return ed.GenerateEdit(ctx, prompt, images)
	})
	if result.Success {
		result.Provider = name
	} else {
		o.logger.Warn("edit failed", zap.String("provider", name), zap.String("error", result.ErrorMessage))
	}
	return result
}

// attempt runs one backend call, converting a panic into a failed result.
func (o *Orchestrator) attempt(name, op string, call func() models.GenerationResult) (result models.GenerationResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("provider panicked", zap.String("provider", name), zap.Any("panic", r))
			result = models.FailureResult(fmt.Sprintf("request exception: %v", r))
		}
		if !result.Success && strings.TrimSpace(result.ErrorMessage) == "" {
			result.ErrorMessage = unknownError
		}
		if o.observer != nil {
			o.observer.ObserveAttempt(name, op, result.Success, time.Since(start))
		}
		o.logger.Debug("provider attempt",
			zap.String("provider", name),
			zap.String("op", op),
			zap.Bool("success", result.Success),
			zap.Duration("elapsed", time.Since(start)))
	}()
	return call()
}
