// Package session collects reference images for an edit request across
// several inbound events from the same user.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/manash/imgrelay/pkg/models"
)

type State int

const (
	StateWaiting State = iota
	StateCompleting
	StateCancelled
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateCompleting:
		return "completing"
	case StateCancelled:
		return "cancelled"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether the session is finished and has been released.
func (s State) Terminal() bool {
	return s != StateWaiting
}

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxImages = models.MaxEditImages
)

var DefaultFinishKeywords = []string{"完成", "done"}

type Config struct {
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxImages      int           `mapstructure:"max_images" yaml:"max_images"`
	FinishKeywords []string      `mapstructure:"finish_keywords" yaml:"finish_keywords"`
	// Grace is added to Timeout before the janitor reclaims an idle session.
	Grace time.Duration `mapstructure:"grace" yaml:"grace"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:        DefaultTimeout,
		MaxImages:      DefaultMaxImages,
		FinishKeywords: DefaultFinishKeywords,
		Grace:          DefaultTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxImages <= 0 || c.MaxImages > models.MaxEditImages {
		c.MaxImages = DefaultMaxImages
	}
	var keywords []string
	for _, k := range c.FinishKeywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	if len(keywords) == 0 {
		keywords = DefaultFinishKeywords
	}
	c.FinishKeywords = keywords
	if c.Grace < 0 {
		c.Grace = 0
	}
	return c
}

// Resolver turns an inbound attachment into the form the edit backend accepts.
type Resolver interface {
	Resolve(ctx context.Context, a models.Attachment, mode models.InputMode) (models.EncodedImage, error)
}

// Session is a snapshot of one user's collection in progress.
type Session struct {
	ID           string
	UserID       string
	Prompt       string
	Mode         models.InputMode
	Images       []models.EncodedImage
	StartedAt    time.Time
	LastActivity time.Time
	State        State
}

func (s *Session) clone() Session {
	c := *s
	c.Images = append([]models.EncodedImage(nil), s.Images...)
	return c
}

// Outcome is the result of feeding one event to a session. Prompt and Images
// are populated only when State is StateCompleting.
type Outcome struct {
	SessionID string
	State     State
	Notices   []string
	Accepted  int
	Prompt    string
	Images    []models.EncodedImage
}

func (o *Outcome) notice(format string, args ...any) {
	o.Notices = append(o.Notices, fmt.Sprintf(format, args...))
}

// step applies ev to a waiting session. Expiry is checked by the caller.
func (s *Session) step(ctx context.Context, cfg Config, resolver Resolver, ev models.Event, now time.Time) Outcome {
	out := Outcome{SessionID: s.ID, State: StateWaiting}
	text := ev.TrimmedText()

	if isFinish(text, cfg.FinishKeywords) {
		if len(s.Images) == 0 {
			s.State = StateCancelled
			out.State = StateCancelled
			out.notice("no images received, edit cancelled")
			return out
		}
		s.State = StateCompleting
		out.State = StateCompleting
		out.Prompt = s.Prompt
		out.Images = append([]models.EncodedImage(nil), s.Images...)
		out.notice("received %d image(s), editing now", len(s.Images))
		return out
	}

	if !ev.HasImages() {
		out.notice("send up to %d images to edit (%d received), or send %q to start",
			cfg.MaxImages, len(s.Images), cfg.FinishKeywords[0])
		return out
	}

	dropped := 0
	for _, a := range ev.Attachments {
		if a.IsZero() {
			continue
		}
		if len(s.Images) >= cfg.MaxImages {
			dropped++
			continue
		}
		img, err := resolver.Resolve(ctx, a, s.Mode)
		if err != nil {
			out.notice("could not read image: %v", err)
			continue
		}
		s.Images = append(s.Images, img)
		out.Accepted++
		out.notice("received image %d/%d", len(s.Images), cfg.MaxImages)
	}
	if dropped > 0 {
		out.notice("maximum of %d images reached, %d extra image(s) ignored; send %q to start",
			cfg.MaxImages, dropped, cfg.FinishKeywords[0])
	}
	if out.Accepted > 0 {
		s.LastActivity = now
	}
	return out
}

func isFinish(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	for _, k := range keywords {
		if strings.EqualFold(text, k) {
			return true
		}
	}
	return false
}
