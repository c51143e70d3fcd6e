package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"bizpilot/internal/cache"
	"bizpilot/internal/config"
	"bizpilot/internal/memory"
	"bizpilot/internal/provider"

	"github.com/spf13/cobra"
)

type checkResults struct {
	passed, warned, failed int
}

func (r *checkResults) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
}

func (r *checkResults) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-22s %s\n", check, detail)
}

func (r *checkResults) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"doctor"},
		Short:   "Check config, storage and providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("BizPilot v%s\n\n", version)
			var r checkResults

			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s (using defaults; run 'bizpilot init')", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}
			cfg, err := loadConfig()
			if err != nil {
				r.fail("Config validation", err.Error())
				return summarize(r)
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			store, err := memory.Open(memory.StoreConfig{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN, Logger: logger})
			if err != nil {
				r.fail("Storage", err.Error())
			} else {
				defer store.Close()
				convs, mems, err := store.Counts(ctx, cfg.General.OwnerID)
				if err != nil {
					r.fail("Storage", err.Error())
				} else {
					r.pass("Storage", fmt.Sprintf("%s, %d conversation(s), %d memory item(s) for %s",
						cfg.Storage.Driver, convs, mems, cfg.General.OwnerID))
				}
			}

			for _, h := range provider.NewFactory(cfg, logger).HealthReport(ctx) {
				label := "Provider: " + h.Name
				switch {
				case h.Err == nil && h.Name == cfg.DefaultProvider:
					r.pass(label, "healthy (default)")
				case h.Err == nil:
					r.pass(label, "healthy")
				case h.Name == cfg.DefaultProvider:
					r.fail(label, h.Err.Error())
				default:
					r.warn(label, h.Err.Error())
				}
			}

			checkCache(ctx, &r, cfg)

			if cfg.API.JWTSecret == "" {
				r.warn("API", "api.jwtSecret not set; 'serve' will refuse to start")
			} else if err := checkPort(cfg.API.Addr); err != nil {
				r.warn("API", fmt.Sprintf("%s may be in use: %v", cfg.API.Addr, err))
			} else {
				r.pass("API", cfg.API.Addr+" available")
			}

			if cfg.Telegram.Token == "" {
				r.warn("Telegram", "not configured")
			} else {
				r.pass("Telegram", fmt.Sprintf("token set, %d allowed user(s)", len(cfg.Telegram.AllowFrom)))
			}
			return summarize(r)
		},
	}
}

func checkCache(ctx context.Context, r *checkResults, cfg *config.Config) {
	switch cfg.Cache.Driver {
	case "redis":
		rc, err := cache.NewRedis(ctx, cache.RedisConfig{Addr: cfg.Cache.Addr, Password: cfg.Cache.Password, DB: cfg.Cache.DB})
		if err != nil {
			r.fail("Cache", err.Error())
			return
		}
		rc.Close()
		r.pass("Cache", "redis "+cfg.Cache.Addr)
	case "none":
		r.warn("Cache", "disabled")
	default:
		r.pass("Cache", "in-process")
	}
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func summarize(r checkResults) error {
	fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}
