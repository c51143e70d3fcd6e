package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"bizpilot/internal/agent"
	"bizpilot/internal/bus"
	"bizpilot/internal/cache"
	"bizpilot/internal/config"
	"bizpilot/internal/domain"
	"bizpilot/internal/memory"
	"bizpilot/internal/metrics"
	"bizpilot/internal/provider"
)

// app holds the collaborators shared by every engine session of a process.
type app struct {
	cfg       *config.Config
	store     *memory.Store
	curator   *memory.Curator
	provider  domain.Provider
	providers *provider.Factory
	events    *bus.EventBus
	metrics   *metrics.Collector
	assembler *agent.ContextAssembler
	limiter   *agent.RateLimiter
	logger    *slog.Logger

	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		events:  bus.NewEventBus(logger),
		metrics: metrics.New(),
		logger:  logger,
	}
	a.metrics.ObserveEvents(a.events)

	counter, err := memory.NewTokenCounter(cfg.Memory.Encoding)
	if err != nil {
		logger.Warn("token encoding unavailable, counting words", "encoding", cfg.Memory.Encoding, "err", err)
	}

	store, err := memory.Open(memory.StoreConfig{
		Driver:       cfg.Storage.Driver,
		DSN:          cfg.Storage.DSN,
		MaxMemories:  cfg.Memory.MaxItems,
		BudgetTokens: cfg.Engine.MemoryBudgetTokens,
		Counter:      counter,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	a.providers = provider.NewFactory(cfg, logger)
	prov, err := a.providers.Build()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("provider: %w", err)
	}
	a.provider = a.metrics.InstrumentProvider(prov)

	contextCache, err := a.buildCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var extractor memory.Extractor
	switch cfg.Memory.Extractor {
	case "llm":
		extractor = memory.LLMExtractor{Provider: a.provider, Fallback: memory.HeuristicExtractor{}}
	case "off":
		extractor = noExtractor{}
	default:
		extractor = memory.HeuristicExtractor{}
	}
	a.curator = memory.NewCurator(memory.CuratorConfig{
		Conversations: store,
		Memory:        store,
		Extractor:     extractor,
		Cache:         contextCache,
		Logger:        logger,
	})

	a.assembler = agent.NewContextAssembler(agent.AssemblerConfig{
		Persona: cfg.Engine.Persona,
		Profile: cfg.Profile,
		Window:  cfg.Engine.HistoryWindow,
	})
	if cfg.Engine.RequestsPerMinute > 0 {
		a.limiter = agent.NewRateLimiter(5, float64(cfg.Engine.RequestsPerMinute))
	}
	return a, nil
}

// buildCache returns nil when caching is disabled.
func (a *app) buildCache(ctx context.Context) (memory.ContextCache, error) {
	ttl := time.Duration(a.cfg.Cache.TTLSec) * time.Second
	switch a.cfg.Cache.Driver {
	case "redis":
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		r, err := cache.NewRedis(pingCtx, cache.RedisConfig{
			Addr:     a.cfg.Cache.Addr,
			Password: a.cfg.Cache.Password,
			DB:       a.cfg.Cache.DB,
			TTL:      ttl,
		})
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		a.closers = append(a.closers, r)
		return r, nil
	case "none":
		return nil, nil
	default:
		return cache.NewMemory(ttl), nil
	}
}

// newEngine builds one session's engine. The CLI calls it directly; the API
// and Telegram hand it to agent.Sessions.
func (a *app) newEngine(sessionID, ownerID string) (*agent.Engine, error) {
	e := a.cfg.Engine
	pc := a.cfg.Providers[a.cfg.DefaultProvider]
	return agent.NewEngine(agent.EngineConfig{
		SessionID: sessionID,
		OwnerID:   ownerID,

		Store:     a.store,
		Curator:   a.curator,
		Provider:  a.provider,
		Assembler: a.assembler,
		Notifier:  a.events,
		Limiter:   a.limiter,
		Logger:    a.logger,

		Model:       pc.Model,
		MaxTokens:   pc.MaxTokens,
		Temperature: pc.Temperature,

		PlaceholderTitle:    e.PlaceholderTitle,
		TitleMaxLength:      e.TitleMaxLength,
		FallbackTitleLength: e.FallbackTitleLength,

		PersistenceTimeout: seconds(e.PersistenceTimeoutSec),
		CompletionTimeout:  seconds(e.CompletionTimeoutSec),
		TitleTimeout:       seconds(e.TitleTimeoutSec),
	})
}

func (a *app) sessions() *agent.Sessions {
	return agent.NewSessions(a.newEngine, a.logger)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// noExtractor backs memory.extractor "off": explicit saves still work.
type noExtractor struct{}

func (noExtractor) Extract(context.Context, []domain.Message) ([]domain.MemoryItem, error) {
	return nil, nil
}
