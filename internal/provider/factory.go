package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bizpilot/internal/config"
	"bizpilot/internal/domain"
)

// ProviderConstructor is a function that creates a provider from a config entry.
type ProviderConstructor func(name string, pc config.ProviderConfig, timeout time.Duration, logger *slog.Logger) domain.Provider

// Factory creates and caches LLM providers from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:          cfg,
		logger:       logger.With("component", "provider"),
		constructors: make(map[string]ProviderConstructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a provider constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
	delete(f.cache, name)
}

func (f *Factory) registerDefaults() {
	f.constructors["ollama"] = func(_ string, pc config.ProviderConfig, timeout time.Duration, logger *slog.Logger) domain.Provider {
		return NewOllama(OllamaConfig{
			APIBase:      pc.BaseURL,
			DefaultModel: pc.Model,
			Temperature:  pc.Temperature,
			MaxTokens:    pc.MaxTokens,
			Timeout:      timeout,
			Logger:       logger,
		})
	}
	f.constructors["openai"] = openAICompatible
	f.constructors["claude"] = func(_ string, pc config.ProviderConfig, timeout time.Duration, logger *slog.Logger) domain.Provider {
		return NewClaude(ClaudeConfig{
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
			Timeout:     timeout,
			Logger:      logger,
		})
	}
	f.constructors["anthropic"] = f.constructors["claude"]
}

func openAICompatible(name string, pc config.ProviderConfig, timeout time.Duration, logger *slog.Logger) domain.Provider {
	return NewOpenAI(OpenAIConfig{
		Name:        name,
		APIKey:      pc.APIKey,
		BaseURL:     pc.BaseURL,
		Model:       pc.Model,
		MaxTokens:   pc.MaxTokens,
		Temperature: pc.Temperature,
		Timeout:     timeout,
		Logger:      logger,
	})
}

func (f *Factory) timeout() time.Duration {
	if f.cfg.Engine.CompletionTimeoutSec > 0 {
		return time.Duration(f.cfg.Engine.CompletionTimeoutSec) * time.Second
	}
	return 0
}

// Get returns the provider with the given name, or the default if name is empty.
// Created providers are cached so the same instance is reused across calls.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		name = f.cfg.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}

	var p domain.Provider
	if ctor, found := f.constructors[name]; found {
		p = ctor(name, pc, f.timeout(), f.logger)
	} else if pc.BaseURL != "" {
		// Unknown names with a base URL are treated as OpenAI-compatible.
		p = openAICompatible(name, pc, f.timeout(), f.logger)
	} else {
		return nil, fmt.Errorf("provider %s: no constructor registered and no base URL configured", name)
	}

	f.cache[name] = p
	return p, nil
}

// Build returns the default provider, wrapped in a failover chain when
// fallback providers are configured.
func (f *Factory) Build() (domain.Provider, error) {
	primary, err := f.Get("")
	if err != nil {
		return nil, err
	}
	if len(f.cfg.FallbackProviders) == 0 {
		return primary, nil
	}
	chain := []domain.Provider{primary}
	for _, name := range f.cfg.FallbackProviders {
		if name == f.cfg.DefaultProvider {
			continue
		}
		p, err := f.Get(name)
		if err != nil {
			return nil, fmt.Errorf("fallback provider: %w", err)
		}
		chain = append(chain, p)
	}
	if len(chain) == 1 {
		return primary, nil
	}
	return NewFailoverProvider(chain, f.logger), nil
}

// HealthStatus is one line of a provider health report.
type HealthStatus struct {
	Name string
	Err  error
}

// HealthReport checks every configured provider, in name order.
func (f *Factory) HealthReport(ctx context.Context) []HealthStatus {
	names := make([]string, 0, len(f.cfg.Providers))
	for name := range f.cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	report := make([]HealthStatus, 0, len(names))
	for _, name := range names {
		p, err := f.Get(name)
		if err == nil {
			err = p.Healthy(ctx)
		}
		report = append(report, HealthStatus{Name: name, Err: err})
	}
	return report
}
