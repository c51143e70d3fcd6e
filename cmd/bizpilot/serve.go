package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"bizpilot/internal/channel"
	"bizpilot/internal/config"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func chatCmd() *cobra.Command {
	var noSpinner bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			engine, err := a.newEngine("cli", cfg.General.OwnerID)
			if err != nil {
				return err
			}
			defer engine.Close()
			if err := engine.Start(ctx); err != nil {
				logger.Warn("session start incomplete", "err", err)
			}

			cli := channel.NewCLI(channel.CLIConfig{
				Engine:  engine,
				Events:  a.events,
				Logger:  logger,
				Spinner: !noSpinner,
			})
			return cli.Start(ctx)
		},
	}
	cmd.Flags().BoolVar(&noSpinner, "no-spinner", false, "don't animate while waiting for a reply")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	var withTelegram bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API (and optionally the Telegram bot)",
		Long:  "Serves /api/v1 with bearer-token auth. Mint tokens with 'bizpilot token <owner>'. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.API.JWTSecret == "" {
				return errors.New("api.jwtSecret is required to serve the API")
			}
			if addr != "" {
				cfg.API.Addr = addr
			}
			if withTelegram && cfg.Telegram.Token == "" {
				return errors.New("telegram.token is not configured")
			}
			return runServers(cfg.API.Addr, withTelegram, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides api.addr)")
	cmd.Flags().BoolVar(&withTelegram, "telegram", false, "also run the Telegram bot")
	return cmd
}

func telegramCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "telegram",
		Short: "Run the Telegram bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Telegram.Token == "" {
				return errors.New("telegram.token is not configured")
			}
			return runServers("", true, cfg)
		},
	}
}

// runServers starts the API when apiAddr is set and the Telegram bot when
// requested, then blocks until a signal arrives.
func runServers(apiAddr string, withTelegram bool, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.provider.Healthy(ctx); err != nil {
		logger.Warn("provider unhealthy at startup", "provider", a.provider.Name(), "err", err)
	} else {
		logger.Info("provider healthy", "provider", a.provider.Name())
	}

	sessions := a.sessions()
	var (
		wg   sync.WaitGroup
		errs = make(chan error, 2)
	)
	run := func(name string, start func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(ctx); err != nil {
				logger.Error("channel stopped", "channel", name, "err", err)
				errs <- fmt.Errorf("%s: %w", name, err)
				stop()
			}
		}()
	}

	if apiAddr != "" {
		api := channel.NewAPI(channel.APIConfig{
			Addr:      apiAddr,
			JWTSecret: cfg.API.JWTSecret,
			Sessions:  sessions,
			Events:    a.events,
			Metrics:   a.metrics,
			Logger:    logger,
		})
		run(api.Name(), api.Start)
	}
	if withTelegram {
		tg := channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Telegram.Token,
			AllowFrom: cfg.Telegram.AllowFrom,
			Sessions:  sessions,
			Logger:    logger,
		})
		run(tg.Name(), tg.Start)
	}

	logger.Info("bizpilot started. Press Ctrl+C to stop.", "version", version)
	<-ctx.Done()
	logger.Info("shutting down...")

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
		sessions.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return errors.New("shutdown timed out")
	}

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}
