package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/manash/imgrelay/internal/bot"
	"github.com/manash/imgrelay/internal/config"
	"github.com/manash/imgrelay/internal/cooldown"
	"github.com/manash/imgrelay/internal/history"
	"github.com/manash/imgrelay/internal/image"
	"github.com/manash/imgrelay/internal/keys"
	"github.com/manash/imgrelay/internal/logging"
	"github.com/manash/imgrelay/internal/metrics"
	"github.com/manash/imgrelay/internal/orchestrator"
	"github.com/manash/imgrelay/internal/poller"
	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/internal/provider/catalog"
	"github.com/manash/imgrelay/internal/session"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	flagConfig   string
	flagLogLevel string
)

type App struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
	// BuildRegistry turns provider configuration into the live registry.
	BuildRegistry func(configs map[string]provider.Config, deps catalog.Deps) *provider.Registry
	NewKeyStore   func() (*keys.Store, error)
	NewSaver      func() *image.Saver
	IsTerminal    func() bool
}

func DefaultApp() *App {
	return &App{
		In:            os.Stdin,
		Out:           os.Stdout,
		Err:           os.Stderr,
		BuildRegistry: catalog.Build,
		NewKeyStore:   keys.NewStore,
		NewSaver:      image.NewSaver,
		IsTerminal: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
		},
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := DefaultApp()
	rootCmd := newRootCmd(app)
	return rootCmd.Execute()
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imgrelay",
		Short: "Multi-provider image generation relay for chat bots",
		Long: `imgrelay routes text-to-image and image editing requests to several
hosted image backends, falling back from one to the next until an image is produced.

Supported providers: ` + strings.Join(catalog.Names(), ", ") + `

Examples:
  imgrelay config init
  imgrelay keys set tongyi api_key sk-...
  imgrelay generate "an orange kitten on a sunny windowsill"
  imgrelay serve --addr :8080
  imgrelay repl`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	cmd.SetIn(app.In)
	cmd.SetOut(app.Out)
	cmd.SetErr(app.Err)

	cmd.AddCommand(
		newServeCmd(app),
		newReplCmd(app),
		newGenerateCmd(app),
		newBatchCmd(app),
		newProvidersCmd(app),
		newKeysCmd(app),
		newConfigCmd(app),
	)
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		if _, err := logging.ParseLevel(flagLogLevel); err != nil {
			return nil, err
		}
		cfg.Log.Level = flagLogLevel
	}
	return cfg, nil
}

// relay is every long-lived component built from one configuration.
type relay struct {
	cfg        *config.Config
	logger     *zap.Logger
	metrics    *metrics.Collector
	registry   *provider.Registry
	orch       *orchestrator.Orchestrator
	guard      *cooldown.Guard
	sessions   *session.Manager
	history    *history.Store
	dispatcher *bot.Dispatcher
	closers    []func() error
}

func newRelay(ctx context.Context, app *App, cfg *config.Config) (*relay, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	rt := &relay{cfg: cfg, logger: logger}
	rt.closers = append(rt.closers, func() error {
		logger.Sync()
		return nil
	})

	rt.metrics = metrics.NewCollector(metrics.DefaultNamespace, logger)

	p := poller.New(cfg.Poll.Interval, cfg.Poll.MaxAttempts, logger)
	p.OnAttempt = rt.metrics.ObservePoll

	providers := cfg.Providers
	if ks, err := app.NewKeyStore(); err != nil {
		logger.Warn("key store unavailable", zap.Error(err))
	} else if merged, err := ks.Apply(providers); err != nil {
		logger.Warn("failed to read stored keys", zap.String("path", ks.Path()), zap.Error(err))
	} else {
		providers = merged
	}

	rt.registry = app.BuildRegistry(providers, catalog.Deps{Poller: p, Logger: logger})
	rt.orch = orchestrator.New(rt.registry, logger, orchestrator.WithObserver(rt.metrics))

	store, err := rt.cooldownStore(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.guard = cooldown.NewGuard(cfg.Cooldown.Config, store, logger, cooldown.WithObserver(rt.metrics))

	resolver := image.NewResolver(cfg.Fetch, logger)
	rt.sessions = session.NewManager(cfg.Edit.Config, resolver, logger, session.WithObserver(rt.metrics))

	var recorder bot.Recorder
	if cfg.History.Enabled {
		hs, err := openHistory(cfg.History.Path)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.history = hs
		rt.closers = append(rt.closers, hs.Close)
		recorder = hs
	}

	rt.dispatcher = bot.NewDispatcher(rt.orch, rt.guard, rt.sessions, recorder, bot.Options{
		DefaultWidth:  cfg.DefaultWidth,
		DefaultHeight: cfg.DefaultHeight,
		EditProvider:  cfg.EditProvider(),
		Enforce:       cfg.Cooldown.Enforce,
	}, logger)

	return rt, nil
}

func (rt *relay) cooldownStore(ctx context.Context) (cooldown.Store, error) {
	if rt.cfg.Cooldown.Store != config.StoreRedis {
		return cooldown.NewMemoryStore(rt.cfg.Cooldown.PruneEvery), nil
	}
	client, err := cooldown.DialRedis(ctx, rt.cfg.Cooldown.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	rt.closers = append(rt.closers, client.Close)
	return cooldown.NewRedisStore(client, rt.cfg.Cooldown.Redis.Prefix, rt.logger), nil
}

func openHistory(path string) (*history.Store, error) {
	if path == "" {
		return history.NewStore()
	}
	return history.NewStoreWithPath(path)
}

// historyRecorder returns a nil interface when history is disabled.
func (rt *relay) historyRecorder() bot.Recorder {
	if rt.history == nil {
		return nil
	}
	return rt.history
}

func (rt *relay) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close failed", zap.Error(err))
		}
	}
	rt.closers = nil
}
