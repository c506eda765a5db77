package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/manash/imgrelay/internal/display"
	"github.com/manash/imgrelay/internal/metrics"
	"github.com/manash/imgrelay/internal/repl"
	"github.com/manash/imgrelay/internal/server"
)

var (
	flagAddr     string
	flagReplUser string
	flagShow     bool
)

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the bot over HTTP",
		Long: `Serve accepts normalized chat events on POST /v1/events and answers with
the bot's replies. It also exposes /v1/providers, /v1/history/:user, /healthz
and, unless disabled, Prometheus metrics on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, app)
		},
	}
	cmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, app *App) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Server.Addr = flagAddr
	}

	rt, err := newRelay(ctx, app, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	var m *metrics.Collector
	if cfg.Server.Metrics {
		m = rt.metrics
	}
	opts := server.Options{
		Addr:       cfg.Server.Addr,
		Mode:       cfg.Server.Mode,
		Dispatcher: rt.dispatcher,
		Registry:   rt.registry,
		Metrics:    m,
		Logger:     rt.logger,
	}
	if rt.history != nil {
		opts.History = rt.history
	}
	srv, err := server.New(opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		if err := rt.sessions.Run(gctx, cfg.Edit.JanitorInterval); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	rt.logger.Info("imgrelay started",
		zap.String("addr", srv.Addr()),
		zap.Strings("active_providers", rt.registry.Active()))
	return g.Wait()
}

func newReplCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "repl",
		Aliases: []string{"chat", "i"},
		Short:   "Talk to the bot from the terminal",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRepl(cmd, app)
		},
	}
	cmd.Flags().StringVar(&flagReplUser, "user", repl.DefaultUserID, "user ID to send events as")
	cmd.Flags().BoolVar(&flagShow, "show", false, "preview images inline (kitty graphics terminals)")
	return cmd
}

func runRepl(cmd *cobra.Command, app *App) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRelay(ctx, app, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	saver := app.NewSaver()
	var displayer *display.Displayer
	if flagShow {
		if display.IsTerminalSupported() {
			displayer = display.New(app.Out, saver)
		} else {
			rt.logger.Warn("terminal does not support inline images, previews disabled")
		}
	}

	rcfg := &repl.Config{
		In:          app.In,
		Out:         app.Out,
		Err:         app.Err,
		UserID:      flagReplUser,
		Interactive: app.IsTerminal(),
		OutputDir:   cfg.OutputDir,
		Dispatcher:  rt.dispatcher,
		Registry:    rt.registry,
		Sessions:    rt.sessions,
		Displayer:   displayer,
		Saver:       saver,
	}
	if rt.history != nil {
		rcfg.History = rt.history
	}

	go rt.sessions.Run(ctx, cfg.Edit.JanitorInterval)
	return repl.New(rcfg).Run(ctx)
}
