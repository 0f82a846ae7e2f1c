package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/confessional/internal/api"
	"github.com/RichardoC/confessional/internal/chat"
	"github.com/RichardoC/confessional/internal/config"
	"github.com/RichardoC/confessional/internal/llm"
	"github.com/RichardoC/confessional/internal/logging"
	"github.com/RichardoC/confessional/internal/render"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:          "confessional",
		Short:        "Chat with a persona over a hosted model",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	root.PersistentFlags().StringP("log-level", "l", "info", "log level")
	v.BindPFlag("logging.level", root.PersistentFlags().Lookup("log-level"))

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat page",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v, cfgFile)
		},
	}
	serve.Flags().String("addr", ":8100", "listen address")
	v.BindPFlag("server.addr", serve.Flags().Lookup("addr"))

	talk := &cobra.Command{
		Use:   "talk",
		Short: "Chat in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			width, _ := cmd.Flags().GetInt("width")
			style, _ := cmd.Flags().GetString("style")
			return runTalk(cmd, v, cfgFile, width, style)
		},
	}
	talk.Flags().Int("width", 80, "word wrap width")
	talk.Flags().String("style", "dark", "glamour style (dark, light, notty)")

	root.AddCommand(serve, talk)
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

// setup loads config and the logger. A missing credential stops here, before
// anything listens.
func setup(v *viper.Viper, cfgFile string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runServe(parent context.Context, v *viper.Viper, cfgFile string) error {
	cfg, logger, err := setup(v, cfgFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := llm.New(ctx, cfg.Backend)
	if err != nil {
		logger.Error("failed to initialize backend", zap.Error(err))
		return err
	}

	registry := chat.NewRegistry(backend, render.NewMarkdown(), cfg.Persona, logger)
	handler, err := api.NewHandler(ctx, registry, cfg.Persona, logger)
	if err != nil {
		logger.Error("failed to initialize HTTP handler", zap.Error(err))
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server",
			zap.String("addr", cfg.Server.Addr),
			zap.String("provider", cfg.Backend.Provider),
			zap.String("model", cfg.Backend.Model))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return registry.Run(gctx, cfg.Session.SweepInterval, cfg.Session.IdleTimeout)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		registry.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			err = multierr.Append(err, srv.Close())
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}
