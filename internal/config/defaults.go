package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			OwnerID:   "local",
			LogLevel:  "info",
			LogFormat: "text",
			DataDir:   "~/.bizpilot",
		},
		Engine: EngineConfig{
			HistoryWindow:         5,
			TitleMaxLength:        60,
			FallbackTitleLength:   50,
			PlaceholderTitle:      "New Conversation",
			MemoryBudgetTokens:    600,
			PersistenceTimeoutSec: 5,
			CompletionTimeoutSec:  60,
			TitleTimeoutSec:       20,
			RequestsPerMinute:     30,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "~/.bizpilot/bizpilot.db",
		},
		Cache: CacheConfig{
			Driver: "memory",
			TTLSec: 600,
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				BaseURL:     "http://localhost:11434",
				Model:       "llama3.1:8b",
				Temperature: 0.7,
			},
		},
		DefaultProvider: "ollama",
		Memory: MemoryConfig{
			Extractor: "heuristic",
			MaxItems:  50,
			Encoding:  "cl100k_base",
		},
		API: APIConfig{
			Addr: "127.0.0.1:8080",
		},
	}
}
