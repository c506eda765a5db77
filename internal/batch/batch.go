// Package batch runs a file of prompts through the fallback orchestrator and
// saves every image under one output directory.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/manash/imgrelay/internal/history"
	"github.com/manash/imgrelay/internal/image"
	"github.com/manash/imgrelay/internal/orchestrator"
	"github.com/manash/imgrelay/internal/provider/catalog"
	"github.com/manash/imgrelay/internal/security"
	"github.com/manash/imgrelay/pkg/models"
)

const DefaultUserID = "batch"

type Result struct {
	Index    int
	Prompt   string
	Path     string
	Provider string
	Error    error
	Skipped  bool
	Duration time.Duration
}

type Options struct {
	OutputDir     string
	DefaultWidth  int
	DefaultHeight int
	Parallel      int
	StopOnError   bool
	Delay         time.Duration
	UserID        string
}

// Recorder persists one history entry per item.
type Recorder interface {
	Record(ctx context.Context, rec *history.Record) error
}

type Processor struct {
	orch     *orchestrator.Orchestrator
	saver    *image.Saver
	recorder Recorder
	out      io.Writer
	err      io.Writer
	outMu    sync.Mutex
	logger   *zap.Logger
}

func NewProcessor(orch *orchestrator.Orchestrator, saver *image.Saver, recorder Recorder, out, errOut io.Writer, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		orch:     orch,
		saver:    saver,
		recorder: recorder,
		out:      out,
		err:      errOut,
		logger:   logger.With(zap.String("component", "batch")),
	}
}

func (p *Processor) printf(format string, args ...any) {
	p.outMu.Lock()
	fmt.Fprintf(p.out, format, args...)
	p.outMu.Unlock()
}

func (p *Processor) errorf(format string, args ...any) {
	p.outMu.Lock()
	fmt.Fprintf(p.err, format, args...)
	p.outMu.Unlock()
}

// Process runs items with at most opts.Parallel in flight. With StopOnError
// the first failure cancels outstanding items, which are reported as skipped.
func (p *Processor) Process(ctx context.Context, items []Item, opts *Options) ([]Result, error) {
	results := make([]Result, len(items))
	for i, item := range items {
		results[i] = Result{Index: item.Index, Prompt: item.Prompt, Skipped: true}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, opts.Parallel))
	total := len(items)

	for i, item := range items {
		if i > 0 && opts.Delay > 0 {
			select {
			case <-gctx.Done():
			case <-time.After(opts.Delay):
			}
		}
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res := p.processItem(gctx, item, opts, i+1, total)
			results[i] = res
			if res.Error != nil && opts.StopOnError {
				return fmt.Errorf("stopped at item %d: %w", item.Index, res.Error)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

func (p *Processor) candidates(item Item) ([]string, error) {
	reg := p.orch.Registry()
	if item.Provider == "" {
		active := reg.Active()
		if len(active) == 0 {
			return nil, errors.New("no image providers are available")
		}
		return active, nil
	}

	name := item.Provider
	if e, ok := catalog.Lookup(name); ok {
		name = e.Name
	}
	switch {
	case !reg.Has(name):
		return nil, fmt.Errorf("provider %s is not configured", item.Provider)
	case !reg.IsActive(name):
		return nil, fmt.Errorf("provider %s is configured but unavailable", item.Provider)
	}
	return []string{name}, nil
}

func (p *Processor) processItem(ctx context.Context, item Item, opts *Options, current, total int) Result {
	start := time.Now()
	res := Result{
		Index:  item.Index,
		Prompt: item.Prompt,
	}
	fail := func(err error) Result {
		res.Error = err
		res.Duration = time.Since(start)
		p.errorf("       Error: %v\n", err)
		return res
	}

	p.printf("[%d/%d] Generating: %q...\n", current, total, truncate(item.Prompt, 50))

	candidates, err := p.candidates(item)
	if err != nil {
		return fail(err)
	}

	cfg := models.GenerationConfig{
		Prompt: item.Prompt,
		Width:  firstPositive(item.Width, opts.DefaultWidth, models.DefaultWidth),
		Height: firstPositive(item.Height, opts.DefaultHeight, models.DefaultHeight),
	}

	result := p.orch.Generate(ctx, candidates, cfg)
	rec := &history.Record{
		UserID:     opts.UserID,
		Operation:  history.OpGenerate,
		Prompt:     item.Prompt,
		Candidates: candidates,
		Provider:   result.Provider,
		Success:    result.HasImage(),
		ImageURL:   result.ImageURL,
		Metadata:   history.Metadata{Width: cfg.Width, Height: cfg.Height},
	}
	if rec.UserID == "" {
		rec.UserID = DefaultUserID
	}

	if !result.HasImage() {
		msg := result.ErrorMessage
		if msg == "" {
			msg = "no image returned"
		}
		rec.Error = msg
		p.record(ctx, rec, start)
		return fail(fmt.Errorf("generation failed: %s", msg))
	}

	stem := fmt.Sprintf("%03d-%s", item.Index, security.PromptSlug(item.Prompt, 50))
	path, err := p.saver.SaveToDir(ctx, result, opts.OutputDir, stem)
	if err != nil {
		rec.Error = err.Error()
		p.record(ctx, rec, start)
		return fail(fmt.Errorf("save failed: %w", err))
	}

	rec.ImagePath = path
	p.record(ctx, rec, start)

	res.Path = path
	res.Provider = result.Provider
	res.Duration = time.Since(start)
	p.printf("       Saved: %s (%s)\n", path, result.Provider)
	return res
}

func (p *Processor) record(ctx context.Context, rec *history.Record, start time.Time) {
	if p.recorder == nil {
		return
	}
	rec.Metadata.DurationMS = time.Since(start).Milliseconds()
	if err := p.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Warn("failed to record history", zap.Error(err))
	}
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen-3]) + "..."
}

func (p *Processor) PrintSummary(results []Result) {
	var successful, failed, skipped int
	var errs []Result
	wins := map[string]int{}

	for _, r := range results {
		switch {
		case r.Skipped:
			skipped++
		case r.Error != nil:
			failed++
			errs = append(errs, r)
		default:
			successful++
			wins[r.Provider]++
		}
	}

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Summary:")
	fmt.Fprintf(p.out, "  Successful: %d/%d images\n", successful, len(results))
	if failed > 0 {
		fmt.Fprintf(p.out, "  Failed: %d (see errors below)\n", failed)
	}
	if skipped > 0 {
		fmt.Fprintf(p.out, "  Skipped: %d\n", skipped)
	}

	if len(wins) > 0 {
		names := make([]string, 0, len(wins))
		for name := range wins {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(p.out, "  By provider:")
		for _, name := range names {
			fmt.Fprintf(p.out, "    %s: %d\n", name, wins[name])
		}
	}

	if len(errs) > 0 {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, "Errors:")
		for _, e := range errs {
			fmt.Fprintf(p.out, "  [%d] %q: %v\n", e.Index, truncate(e.Prompt, 40), e.Error)
		}
	}
}
