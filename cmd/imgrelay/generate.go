package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/manash/imgrelay/internal/batch"
	"github.com/manash/imgrelay/internal/display"
	"github.com/manash/imgrelay/internal/history"
	"github.com/manash/imgrelay/internal/image"
	"github.com/manash/imgrelay/internal/provider/catalog"
	"github.com/manash/imgrelay/pkg/models"
)

const cliUserID = "cli"

var (
	flagProvider    string
	flagWidth       int
	flagHeight      int
	flagOutput      string
	flagOutputDir   string
	flagParallel    int
	flagStopOnError bool
	flagDelay       time.Duration
)

func newGenerateCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "generate <prompt>",
		Aliases: []string{"gen", "g"},
		Short:   "Generate one image, falling back across active providers",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, strings.Join(args, " "), app)
		},
	}
	cmd.Flags().StringVarP(&flagProvider, "provider", "p", "", "use only this provider (name or alias)")
	cmd.Flags().IntVar(&flagWidth, "width", 0, "requested width (defaults to default_width)")
	cmd.Flags().IntVar(&flagHeight, "height", 0, "requested height (defaults to default_height)")
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output file (defaults to a timestamped name in output_dir)")
	cmd.Flags().BoolVar(&flagShow, "show", false, "preview the image inline (kitty graphics terminals)")
	return cmd
}

// candidates resolves the --provider flag against the registry.
func (rt *relay) candidates(alias string) ([]string, error) {
	if alias == "" {
		active := rt.registry.Active()
		if len(active) == 0 {
			return nil, errors.New("no image providers are available, check the configuration")
		}
		return active, nil
	}
	name := alias
	if e, ok := catalog.Lookup(alias); ok {
		name = e.Name
	}
	switch {
	case !rt.registry.Has(name):
		return nil, fmt.Errorf("provider %s is not configured", alias)
	case !rt.registry.IsActive(name):
		return nil, fmt.Errorf("provider %s is configured but unavailable", alias)
	}
	return []string{name}, nil
}

func runGenerate(cmd *cobra.Command, prompt string, app *App) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return fmt.Errorf("%w: prompt is empty", models.ErrUserInput)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRelay(ctx, app, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	names, err := rt.candidates(flagProvider)
	if err != nil {
		return err
	}

	gen := models.GenerationConfig{
		Prompt: prompt,
		Width:  cfg.DefaultWidth,
		Height: cfg.DefaultHeight,
	}
	if flagWidth > 0 {
		gen.Width = flagWidth
	}
	if flagHeight > 0 {
		gen.Height = flagHeight
	}

	fmt.Fprintf(app.Out, "Generating with %s...\n", strings.Join(names, " → "))

	start := time.Now()
	result := rt.orch.Generate(ctx, names, gen)
	rec := &history.Record{
		UserID:     cliUserID,
		Operation:  history.OpGenerate,
		Prompt:     prompt,
		Candidates: names,
		Provider:   result.Provider,
		Success:    result.HasImage(),
		ImageURL:   result.ImageURL,
		Error:      result.ErrorMessage,
		Metadata:   history.Metadata{Width: gen.Width, Height: gen.Height},
	}
	defer func() {
		if recorder := rt.historyRecorder(); recorder != nil {
			rec.Metadata.DurationMS = time.Since(start).Milliseconds()
			recorder.Record(context.WithoutCancel(ctx), rec)
		}
	}()

	if !result.HasImage() {
		return fmt.Errorf("generation failed: %s", result.ErrorMessage)
	}

	saver := app.NewSaver()
	var path string
	if flagOutput != "" {
		path = flagOutput
		err = saver.Save(ctx, result, path)
	} else {
		path, err = saver.SaveToDir(ctx, result, cfg.OutputDir, image.GenerateFilename(0, time.Now())+"-"+result.Provider)
	}
	if err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}
	rec.ImagePath = path

	if flagShow && display.IsTerminalSupported() {
		if err := display.New(app.Out, saver).Display(ctx, result); err != nil {
			fmt.Fprintf(app.Err, "Warning: failed to display: %v\n", err)
		}
	}

	fmt.Fprintf(app.Out, "Saved: %s (%s)\n", path, result.Provider)
	if result.ImageURL != "" {
		fmt.Fprintf(app.Out, "URL: %s\n", result.ImageURL)
	}
	return nil
}

func newBatchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Generate one image per prompt in a .txt, .json or .yaml file",
		Long: `Batch reads prompts from a file and generates each with the fallback chain.

Text files hold one prompt per line; lines starting with # are skipped.
JSON and YAML files hold a list of {prompt, provider, width, height} objects.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, args[0], app)
		},
	}
	cmd.Flags().StringVarP(&flagOutputDir, "output-dir", "d", "", "directory for images (defaults to output_dir)")
	cmd.Flags().IntVarP(&flagParallel, "parallel", "j", 1, "number of prompts in flight")
	cmd.Flags().BoolVar(&flagStopOnError, "stop-on-error", false, "stop at the first failed prompt")
	cmd.Flags().DurationVar(&flagDelay, "delay", 0, "pause between starting prompts (e.g. 2s)")
	return cmd
}

func runBatch(cmd *cobra.Command, path string, app *App) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if flagParallel < 1 {
		return fmt.Errorf("--parallel must be at least 1")
	}

	items, err := batch.ParseFile(path)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRelay(ctx, app, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	outputDir := flagOutputDir
	if outputDir == "" {
		outputDir = cfg.OutputDir
	}

	var recorder batch.Recorder
	if r := rt.historyRecorder(); r != nil {
		recorder = r
	}
	proc := batch.NewProcessor(rt.orch, app.NewSaver(), recorder, app.Out, app.Err, rt.logger)

	fmt.Fprintf(app.Out, "Processing %d prompt(s) into %s\n", len(items), outputDir)
	results, err := proc.Process(ctx, items, &batch.Options{
		OutputDir:     outputDir,
		DefaultWidth:  cfg.DefaultWidth,
		DefaultHeight: cfg.DefaultHeight,
		Parallel:      flagParallel,
		StopOnError:   flagStopOnError,
		Delay:         flagDelay,
	})
	proc.PrintSummary(results)
	return err
}
