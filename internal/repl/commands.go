package repl

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/manash/imgrelay/internal/history"
	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/pkg/models"
)

type Command interface {
	Name() string
	Aliases() []string
	Description() string
	Usage() string
	Execute(ctx context.Context, r *REPL, args []string) error
}

func allCommands() []Command {
	return []Command{
		&AttachCommand{},
		&HistoryCommand{},
		&StatsCommand{},
		&ProvidersCommand{},
		&HelpCommand{},
		&QuitCommand{},
	}
}

func (r *REPL) registerCommands() {
	for _, cmd := range allCommands() {
		r.commands[cmd.Name()] = cmd
		for _, alias := range cmd.Aliases() {
			r.commands[alias] = cmd
		}
	}
}

// AttachCommand sends local image files to the bot, as a chat client would.
type AttachCommand struct{}

func (c *AttachCommand) Name() string        { return "attach" }
func (c *AttachCommand) Aliases() []string   { return []string{"a", "img"} }
func (c *AttachCommand) Description() string { return "Send image files to an open edit session" }
func (c *AttachCommand) Usage() string       { return "attach <file> [file...]" }

func (c *AttachCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s", c.Usage())
	}

	ev := models.Event{UserID: r.userID}
	for _, path := range args {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("cannot attach %s: %w", path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("cannot attach %s: is a directory", path)
		}
		ev.Attachments = append(ev.Attachments, models.Attachment{Path: path})
	}

	r.send(ctx, ev)
	return nil
}

// HistoryCommand lists this console user's recent generations.
type HistoryCommand struct{}

func (c *HistoryCommand) Name() string        { return "history" }
func (c *HistoryCommand) Aliases() []string   { return []string{"h", "hist"} }
func (c *HistoryCommand) Description() string { return "Show recent generations" }
func (c *HistoryCommand) Usage() string       { return "history [count]" }

func (c *HistoryCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if r.history == nil {
		return fmt.Errorf("history is disabled")
	}

	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: %s", c.Usage())
		}
		limit = n
	}

	records, err := r.history.ListByUser(ctx, r.userID, limit)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Fprintln(r.out, "No history yet")
		return nil
	}

	for i, rec := range records {
		status := "✓"
		who := rec.Provider
		if !rec.Success {
			status = "✗"
			who = strings.Join(rec.Candidates, ",")
		}
		fmt.Fprintf(r.out, "%s [%d] %s %-8s %-10s %q\n",
			status,
			i+1,
			history.FormatTimestamp(rec.CreatedAt),
			rec.Operation,
			who,
			truncate(rec.Prompt, 50))
	}
	return nil
}

// StatsCommand summarizes outcomes per provider across all users.
type StatsCommand struct{}

func (c *StatsCommand) Name() string        { return "stats" }
func (c *StatsCommand) Aliases() []string   { return []string{"$"} }
func (c *StatsCommand) Description() string { return "Show success counts per provider" }
func (c *StatsCommand) Usage() string       { return "stats" }

func (c *StatsCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	if r.history == nil {
		return fmt.Errorf("history is disabled")
	}

	summaries, err := r.history.SummaryByProvider(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(r.out, "No history yet")
		return nil
	}

	fmt.Fprintf(r.out, "%-12s %8s %9s\n", "provider", "attempts", "successes")
	for _, s := range summaries {
		fmt.Fprintf(r.out, "%-12s %8d %9d\n", s.Provider, s.Attempts, s.Successes)
	}
	return nil
}

// ProvidersCommand shows every registered backend and whether it is usable.
type ProvidersCommand struct{}

func (c *ProvidersCommand) Name() string        { return "providers" }
func (c *ProvidersCommand) Aliases() []string   { return []string{"p"} }
func (c *ProvidersCommand) Description() string { return "List registered providers" }
func (c *ProvidersCommand) Usage() string       { return "providers" }

func (c *ProvidersCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	descs := r.registry.Descriptors()
	if len(descs) == 0 {
		fmt.Fprintln(r.out, "No providers configured")
		return nil
	}

	for _, d := range descs {
		status := "✗"
		if d.Configured {
			status = "✓"
		}
		edit := ""
		if _, ok := d.Capability.(provider.Editor); ok {
			edit = " (edit)"
		}
		fmt.Fprintf(r.out, "  %s %s%s\n", status, d.Name, edit)
	}
	return nil
}

// HelpCommand shows available commands
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Aliases() []string   { return []string{"?"} }
func (c *HelpCommand) Description() string { return "Show available commands" }
func (c *HelpCommand) Usage() string       { return "help" }

func (c *HelpCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	fmt.Fprintln(r.out, "Console commands:")
	fmt.Fprintln(r.out)

	for _, cmd := range allCommands() {
		aliases := ""
		if len(cmd.Aliases()) > 0 {
			aliases = fmt.Sprintf(" (%s)", strings.Join(cmd.Aliases(), ", "))
		}
		fmt.Fprintf(r.out, "  %-12s%s\n", cmd.Name()+aliases, cmd.Description())
		fmt.Fprintf(r.out, "               Usage: %s\n", cmd.Usage())
	}

	fmt.Fprintln(r.out)
	fmt.Fprint(r.out, r.dispatcher.HelpText())
	return nil
}

// QuitCommand exits the REPL
type QuitCommand struct{}

func (c *QuitCommand) Name() string        { return "quit" }
func (c *QuitCommand) Aliases() []string   { return []string{"exit", "q"} }
func (c *QuitCommand) Description() string { return "Exit interactive mode" }
func (c *QuitCommand) Usage() string       { return "quit" }

func (c *QuitCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	fmt.Fprintln(r.out, "Goodbye!")
	r.Stop()
	return nil
}

func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen-3]) + "..."
}
