package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/manash/imgrelay/pkg/models"
)

// Capability is the contract every image backend implements. Implementations never
// return errors across this boundary; failures come back as unsuccessful results.
type Capability interface {
	Name() string
	// IsConfigured reports whether the backend's own credentials are usable.
	// It must not perform network I/O.
	IsConfigured() bool
	Generate(ctx context.Context, cfg models.GenerationConfig) models.GenerationResult
}

// Editor is implemented by backends that can edit a set of reference images.
type Editor interface {
	Capability
	InputMode() models.InputMode
	GenerateEdit(ctx context.Context, prompt string, images []models.EncodedImage) models.GenerationResult
}

// Config is the parameter block for one backend. Which fields are mandatory depends on
// the backend; everything else is an optional override.
type Config struct {
	APIKey         string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	APISecret      string        `mapstructure:"api_secret" yaml:"api_secret,omitempty"`
	AppID          string        `mapstructure:"app_id" yaml:"app_id,omitempty"`
	AccessToken    string        `mapstructure:"access_token" yaml:"access_token,omitempty"`
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Model          string        `mapstructure:"model" yaml:"model,omitempty"`
	EditModel      string        `mapstructure:"edit_model" yaml:"edit_model,omitempty"`
	EditBaseURL    string        `mapstructure:"edit_base_url" yaml:"edit_base_url,omitempty"`
	TaskBaseURL    string        `mapstructure:"task_base_url" yaml:"task_base_url,omitempty"`
	Steps          int           `mapstructure:"steps" yaml:"steps,omitempty"`
	GuidanceScale  float64       `mapstructure:"guidance_scale" yaml:"guidance_scale,omitempty"`
	Seed           *int64        `mapstructure:"seed" yaml:"seed,omitempty"`
	NegativePrompt string        `mapstructure:"negative_prompt" yaml:"negative_prompt,omitempty"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// TimeoutOr returns the configured timeout or def when unset.
func (c Config) TimeoutOr(def time.Duration) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return def
}

// StringOr returns v unless it is blank, in which case def.
func StringOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// NotBlank reports whether every value is non-empty after trimming.
func NotBlank(values ...string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// Descriptor is a registered backend together with its validation outcome.
type Descriptor struct {
	Name       string
	Capability Capability
	Configured bool
}

// Registry holds the backends built at startup in declaration order. It is never
// mutated after NewRegistry returns and is safe for concurrent reads.
type Registry struct {
	order []string
	byKey map[string]Descriptor
}

// NewRegistry registers caps in the given order and records which passed IsConfigured.
func NewRegistry(caps ...Capability) *Registry {
	r := &Registry{byKey: make(map[string]Descriptor, len(caps))}
	for _, c := range caps {
		name := c.Name()
		if _, dup := r.byKey[name]; dup {
			continue
		}
		r.order = append(r.order, name)
		r.byKey[name] = Descriptor{Name: name, Capability: c, Configured: c.IsConfigured()}
	}
	return r
}

// Get returns the registered backend with the given name, configured or not.
func (r *Registry) Get(name string) (Capability, bool) {
	d, ok := r.byKey[name]
	if !ok {
		return nil, false
	}
	return d.Capability, true
}

func (r *Registry) Has(name string) bool {
	_, ok := r.byKey[name]
	return ok
}

func (r *Registry) IsActive(name string) bool {
	d, ok := r.byKey[name]
	return ok && d.Configured
}

// Active returns the names of configured backends in registration order.
func (r *Registry) Active() []string {
	names := make([]string, 0, len(r.order))
	for _, n := range r.order {
		if r.byKey[n].Configured {
			names = append(names, n)
		}
	}
	return names
}

// Names returns every registered backend in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byKey[n])
	}
	return out
}

// Editor returns the named backend if it is active and supports editing.
func (r *Registry) Editor(name string) (Editor, error) {
	d, ok := r.byKey[name]
	if !ok || !d.Configured {
		return nil, fmt.Errorf("%w: %s", models.ErrNotConfigured, name)
	}
	ed, ok := d.Capability.(Editor)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrEditNotSupported, name)
	}
	return ed, nil
}
