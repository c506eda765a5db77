// Package bot turns normalized inbound events into replies: it parses the
// command surface, applies the cooldown, drives edit sessions and calls the
// orchestrator.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manash/imgrelay/internal/config"
	"github.com/manash/imgrelay/internal/cooldown"
	"github.com/manash/imgrelay/internal/history"
	"github.com/manash/imgrelay/internal/orchestrator"
	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/internal/provider/catalog"
	"github.com/manash/imgrelay/internal/session"
	"github.com/manash/imgrelay/pkg/models"
)

// Reply is one message back to the user. Exactly one of Text, ImageURL or
// ImageData is set.
type Reply struct {
	Text      string
	ImageURL  string
	ImageData []byte
	Provider  string
}

func (r Reply) IsImage() bool {
	return r.ImageURL != "" || len(r.ImageData) > 0
}

func textReply(format string, args ...any) Reply {
	return Reply{Text: fmt.Sprintf(format, args...)}
}

// Recorder persists one entry per orchestrated generation.
type Recorder interface {
	Record(ctx context.Context, rec *history.Record) error
}

type Options struct {
	DefaultWidth  int
	DefaultHeight int
	EditProvider  string
	Enforce       config.EnforceConfig
}

type Dispatcher struct {
	orch     *orchestrator.Orchestrator
	guard    *cooldown.Guard
	sessions *session.Manager
	recorder Recorder
	opts     Options
	logger   *zap.Logger
}

func NewDispatcher(orch *orchestrator.Orchestrator, guard *cooldown.Guard, sessions *session.Manager, recorder Recorder, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultWidth <= 0 {
		opts.DefaultWidth = models.DefaultWidth
	}
	if opts.DefaultHeight <= 0 {
		opts.DefaultHeight = models.DefaultHeight
	}
	return &Dispatcher{
		orch:     orch,
		guard:    guard,
		sessions: sessions,
		recorder: recorder,
		opts:     opts,
		logger:   logger.With(zap.String("component", "bot")),
	}
}

func (d *Dispatcher) registry() *provider.Registry {
	return d.orch.Registry()
}

// Handle processes ev and collects every reply.
func (d *Dispatcher) Handle(ctx context.Context, ev models.Event) []Reply {
	var replies []Reply
	d.Stream(ctx, ev, func(r Reply) { replies = append(replies, r) })
	return replies
}

// Stream processes ev, calling emit for each reply as soon as it is known.
// Events that are neither commands nor session input produce no replies.
func (d *Dispatcher) Stream(ctx context.Context, ev models.Event, emit func(Reply)) {
	name, args, isCommand := parseCommand(ev.TrimmedText())

	if isCommand && name == "cancel" {
		if d.sessions.Cancel(ev.UserID) {
			emit(textReply("edit session cancelled"))
		} else {
			emit(textReply("no edit session to cancel"))
		}
		return
	}

	if out, handled := d.sessions.Handle(ctx, ev); handled {
		for _, n := range out.Notices {
			emit(textReply("%s", n))
		}
		if out.State == session.StateCompleting {
			d.runEdit(ctx, ev.UserID, out, emit)
		}
		return
	}

	if !isCommand {
		return
	}

	switch {
	case name == "tti" || name == "文生图":
		d.generate(ctx, ev.UserID, "", args, emit)
	case strings.HasPrefix(name, "tti-") && len(name) > len("tti-"):
		d.generate(ctx, ev.UserID, strings.TrimPrefix(name, "tti-"), args, emit)
	case name == "iti" || name == "图编辑":
		d.openEdit(ctx, ev.UserID, args, emit)
	case name == "help":
		emit(Reply{Text: d.HelpText()})
	default:
		d.logger.Debug("ignoring unknown command", zap.String("command", name))
	}
}

// parseCommand splits "/name rest" into its parts.
func parseCommand(text string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	text = text[1:]
	end := strings.IndexFunc(text, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' })
	if end < 0 {
		return strings.ToLower(text), "", text != ""
	}
	return strings.ToLower(text[:end]), strings.TrimSpace(text[end:]), end > 0
}

func (d *Dispatcher) generate(ctx context.Context, userID, alias, prompt string, emit func(Reply)) {
	if prompt == "" {
		emit(Reply{Text: d.HelpText()})
		return
	}

	reg := d.registry()
	var candidates []string
	enforce := d.opts.Enforce.Generate

	if alias != "" {
		name := alias
		if e, ok := catalog.Lookup(alias); ok {
			name = e.Name
		}
		switch {
		case !reg.Has(name):
			emit(textReply("provider %s is not configured", alias))
			return
		case !reg.IsActive(name):
			emit(textReply("provider %s is configured but unavailable", alias))
			return
		}
		candidates = []string{name}
		enforce = d.opts.Enforce.Provider
	} else {
		candidates = reg.Active()
		if len(candidates) == 0 {
			emit(textReply("no image providers are available, check the configuration"))
			return
		}
	}

	if enforce {
		if err := d.guard.Check(ctx, userID); err != nil {
			emit(textReply("%s", err.Error()))
			return
		}
	}

	if alias != "" {
		emit(textReply("generating with %s: %s", candidates[0], prompt))
	} else {
		emit(textReply("generating: %s", prompt))
	}

	cfg := models.GenerationConfig{
		Prompt: prompt,
		Width:  d.opts.DefaultWidth,
		Height: d.opts.DefaultHeight,
	}

	start := time.Now()
	result := d.orch.Generate(ctx, candidates, cfg)
	d.record(ctx, &history.Record{
		UserID:     userID,
		Operation:  history.OpGenerate,
		Prompt:     prompt,
		Candidates: candidates,
		Metadata:   history.Metadata{Width: cfg.Width, Height: cfg.Height, DurationMS: time.Since(start).Milliseconds()},
	}, result)

	emit(resultReply(result))
}

func (d *Dispatcher) openEdit(ctx context.Context, userID, prompt string, emit func(Reply)) {
	if prompt == "" {
		emit(textReply("please describe the edit.\nexample: /iti put the clock from image 1 next to the vase on the table in image 2"))
		return
	}

	ed, err := d.editor()
	if err != nil {
		emit(textReply("%s", editorMessage(d.opts.EditProvider, err)))
		return
	}

	if d.opts.Enforce.Edit {
		if err := d.guard.Check(ctx, userID); err != nil {
			emit(textReply("%s", err.Error()))
			return
		}
	}

	cfg := d.sessions.Config()
	d.sessions.Open(userID, prompt, ed.InputMode())
	emit(textReply("send up to %d images, then send %q to start editing.\ntimeout: %s",
		cfg.MaxImages, cfg.FinishKeywords[0], cfg.Timeout))
}

func (d *Dispatcher) runEdit(ctx context.Context, userID string, out session.Outcome, emit func(Reply)) {
	ed, err := d.editor()
	if err != nil {
		emit(textReply("%s", editorMessage(d.opts.EditProvider, err)))
		return
	}

	start := time.Now()
	result := d.orch.Edit(ctx, ed, out.Prompt, out.Images)
	d.record(ctx, &history.Record{
		UserID:     userID,
		Operation:  history.OpEdit,
		Prompt:     out.Prompt,
		Candidates: []string{ed.Name()},
		Metadata:   history.Metadata{ImageCount: len(out.Images), DurationMS: time.Since(start).Milliseconds()},
	}, result)

	emit(resultReply(result))
}

func (d *Dispatcher) editor() (provider.Editor, error) {
	name := d.opts.EditProvider
	if e, ok := catalog.Lookup(name); ok {
		name = e.Name
	}
	return d.registry().Editor(name)
}

func editorMessage(name string, err error) string {
	if errors.Is(err, models.ErrEditNotSupported) {
		return fmt.Sprintf("provider %s does not support image editing", name)
	}
	return fmt.Sprintf("image editing requires the %s provider to be configured", name)
}

func resultReply(result models.GenerationResult) Reply {
	switch {
	case result.HasImage() && result.ImageURL != "":
		return Reply{ImageURL: result.ImageURL, Provider: result.Provider}
	case result.HasImage():
		return Reply{ImageData: result.ImageData, Provider: result.Provider}
	case result.Success:
		return textReply("generation failed: %s", "no image returned")
	default:
		msg := result.ErrorMessage
		if msg == "" {
			msg = "image generation failed"
		}
		return textReply("generation failed: %s", msg)
	}
}

func (d *Dispatcher) record(ctx context.Context, rec *history.Record, result models.GenerationResult) {
	if d.recorder == nil {
		return
	}
	rec.Success = result.HasImage()
	rec.Provider = result.Provider
	rec.ImageURL = result.ImageURL
	if !rec.Success {
		rec.Error = result.ErrorMessage
	}
	if err := d.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		d.logger.Warn("failed to record history", zap.Error(err))
	}
}
