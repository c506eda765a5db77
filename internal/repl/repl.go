// Package repl is a local chat console: every line that is not a console
// command is delivered to the bot as an inbound event from a single user.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/manash/imgrelay/internal/bot"
	"github.com/manash/imgrelay/internal/display"
	"github.com/manash/imgrelay/internal/history"
	"github.com/manash/imgrelay/internal/image"
	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/internal/session"
	"github.com/manash/imgrelay/pkg/models"
)

const DefaultUserID = "local"

// HistoryStore is the part of the history log the console reads.
type HistoryStore interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*history.Record, error)
	SummaryByProvider(ctx context.Context) ([]history.ProviderSummary, error)
}

type REPL struct {
	in          io.Reader
	out         io.Writer
	err         io.Writer
	userID      string
	interactive bool
	outputDir   string
	dispatcher  *bot.Dispatcher
	registry    *provider.Registry
	sessions    *session.Manager
	history     HistoryStore
	displayer   *display.Displayer
	saver       *image.Saver
	now         func() time.Time
	commands    map[string]Command
	saved       int
	running     bool
}

type Config struct {
	In          io.Reader
	Out         io.Writer
	Err         io.Writer
	UserID      string
	Interactive bool
	OutputDir   string
	Dispatcher  *bot.Dispatcher
	Registry    *provider.Registry
	Sessions    *session.Manager
	History     HistoryStore
	// Displayer is optional; nil disables inline previews.
	Displayer *display.Displayer
	Saver     *image.Saver
}

func New(cfg *Config) *REPL {
	r := &REPL{
		in:          cfg.In,
		out:         cfg.Out,
		err:         cfg.Err,
		userID:      cfg.UserID,
		interactive: cfg.Interactive,
		outputDir:   cfg.OutputDir,
		dispatcher:  cfg.Dispatcher,
		registry:    cfg.Registry,
		sessions:    cfg.Sessions,
		history:     cfg.History,
		displayer:   cfg.Displayer,
		saver:       cfg.Saver,
		now:         time.Now,
		commands:    make(map[string]Command),
	}
	if r.userID == "" {
		r.userID = DefaultUserID
	}
	if r.outputDir == "" {
		r.outputDir = "."
	}
	if r.saver == nil {
		r.saver = image.NewSaver()
	}
	r.registerCommands()
	return r
}

func (r *REPL) Run(ctx context.Context) error {
	r.running = true
	if r.interactive {
		r.printWelcome()
	}

	scanner := bufio.NewScanner(r.in)
	for r.running {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.interactive {
			r.printPrompt()
		}
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := r.execute(ctx, line); err != nil {
			fmt.Fprintf(r.err, "Error: %v\n", err)
		}
	}

	return scanner.Err()
}

// execute runs a console command, or forwards the line to the bot.
func (r *REPL) execute(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		parts := parseCommand(line)
		if len(parts) > 0 {
			if cmd, ok := r.commands[strings.ToLower(parts[0])]; ok {
				return cmd.Execute(ctx, r, parts[1:])
			}
		}
	}
	r.send(ctx, models.Event{UserID: r.userID, Text: line})
	return nil
}

func (r *REPL) send(ctx context.Context, ev models.Event) {
	r.dispatcher.Stream(ctx, ev, func(reply bot.Reply) {
		r.emit(ctx, reply)
	})
}

func (r *REPL) emit(ctx context.Context, reply bot.Reply) {
	if !reply.IsImage() {
		fmt.Fprintln(r.out, reply.Text)
		return
	}

	result := models.GenerationResult{
		Success:   true,
		ImageURL:  reply.ImageURL,
		ImageData: reply.ImageData,
		Provider:  reply.Provider,
	}

	stem := image.GenerateFilename(r.saved, r.now())
	if reply.Provider != "" {
		stem += "-" + reply.Provider
	}
	path, err := r.saver.SaveToDir(ctx, result, r.outputDir, stem)
	if err != nil {
		fmt.Fprintf(r.err, "Warning: failed to save image: %v\n", err)
		if reply.ImageURL != "" {
			fmt.Fprintf(r.out, "Image: %s\n", reply.ImageURL)
		}
		return
	}
	r.saved++

	if r.displayer != nil {
		if err := r.displayer.Display(ctx, result); err != nil {
			fmt.Fprintf(r.err, "Warning: failed to display: %v\n", err)
		}
	}
	fmt.Fprintf(r.out, "Saved: %s (%s)\n", path, reply.Provider)
}

func (r *REPL) Stop() {
	r.running = false
}

func (r *REPL) printWelcome() {
	fmt.Fprintln(r.out, "imgrelay interactive mode")
	fmt.Fprintln(r.out, "Send bot commands such as /tti <prompt>. Type 'help' for console commands, 'quit' to exit.")
	fmt.Fprintln(r.out)
}

func (r *REPL) printPrompt() {
	if r.sessions != nil {
		if sess, ok := r.sessions.Get(r.userID); ok {
			fmt.Fprintf(r.out, "imgrelay (edit %d/%d)> ", len(sess.Images), r.sessions.Config().MaxImages)
			return
		}
	}
	fmt.Fprint(r.out, "imgrelay> ")
}

func parseCommand(line string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	quoteChar := rune(0)

	for _, ch := range line {
		switch {
		case ch == '"' || ch == '\'':
			if inQuotes && ch == quoteChar {
				inQuotes = false
				quoteChar = 0
			} else if !inQuotes {
				inQuotes = true
				quoteChar = ch
			} else {
				current.WriteRune(ch)
			}
		case ch == ' ' && !inQuotes:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(ch)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}
