package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for BizPilot.
type Config struct {
	General           GeneralConfig             `json:"general" yaml:"general" toml:"general"`
	Engine            EngineConfig              `json:"engine" yaml:"engine" toml:"engine"`
	Profile           map[string]any            `json:"profile,omitempty" yaml:"profile,omitempty" toml:"profile,omitempty"`
	Storage           StorageConfig             `json:"storage" yaml:"storage" toml:"storage"`
	Cache             CacheConfig               `json:"cache" yaml:"cache" toml:"cache"`
	Providers         map[string]ProviderConfig `json:"providers" yaml:"providers" toml:"providers"`
	DefaultProvider   string                    `json:"defaultProvider" yaml:"defaultProvider" toml:"defaultProvider"`
	FallbackProviders []string                  `json:"fallbackProviders,omitempty" yaml:"fallbackProviders,omitempty" toml:"fallbackProviders,omitempty"`
	Memory            MemoryConfig              `json:"memory" yaml:"memory" toml:"memory"`
	API               APIConfig                 `json:"api" yaml:"api" toml:"api"`
	Telegram          TelegramConfig            `json:"telegram" yaml:"telegram" toml:"telegram"`
	Backup            BackupConfig              `json:"backup" yaml:"backup" toml:"backup"`
}

type GeneralConfig struct {
	OwnerID   string `json:"ownerId" yaml:"ownerId" toml:"ownerId"`
	LogLevel  string `json:"logLevel" yaml:"logLevel" toml:"logLevel"`
	LogFormat string `json:"logFormat,omitempty" yaml:"logFormat,omitempty" toml:"logFormat,omitempty"` // "text" | "json"
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty" toml:"logFile,omitempty"`
	DataDir   string `json:"dataDir" yaml:"dataDir" toml:"dataDir"`
}

// EngineConfig tunes the conversation engine. Timeouts are in seconds.
type EngineConfig struct {
	HistoryWindow         int    `json:"historyWindow" yaml:"historyWindow" toml:"historyWindow"`
	TitleMaxLength        int    `json:"titleMaxLength" yaml:"titleMaxLength" toml:"titleMaxLength"`
	FallbackTitleLength   int    `json:"fallbackTitleLength" yaml:"fallbackTitleLength" toml:"fallbackTitleLength"`
	PlaceholderTitle      string `json:"placeholderTitle" yaml:"placeholderTitle" toml:"placeholderTitle"`
	Persona               string `json:"persona,omitempty" yaml:"persona,omitempty" toml:"persona,omitempty"`
	MemoryBudgetTokens    int    `json:"memoryBudgetTokens" yaml:"memoryBudgetTokens" toml:"memoryBudgetTokens"`
	PersistenceTimeoutSec int    `json:"persistenceTimeout" yaml:"persistenceTimeout" toml:"persistenceTimeout"`
	CompletionTimeoutSec  int    `json:"completionTimeout" yaml:"completionTimeout" toml:"completionTimeout"`
	TitleTimeoutSec       int    `json:"titleTimeout" yaml:"titleTimeout" toml:"titleTimeout"`
	RequestsPerMinute     int    `json:"requestsPerMinute" yaml:"requestsPerMinute" toml:"requestsPerMinute"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver" toml:"driver"` // "sqlite" | "postgres"
	DSN    string `json:"dsn" yaml:"dsn" toml:"dsn"`
}

type CacheConfig struct {
	Driver   string `json:"driver" yaml:"driver" toml:"driver"` // "memory" | "redis" | "none"
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" toml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty" toml:"db,omitempty"`
	TTLSec   int    `json:"ttl" yaml:"ttl" toml:"ttl"`
}

type ProviderConfig struct {
	APIKey      string  `json:"apiKey,omitempty" yaml:"apiKey,omitempty" toml:"apiKey,omitempty"`
	BaseURL     string  `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty" toml:"baseUrl,omitempty"`
	Model       string  `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty" toml:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" toml:"temperature,omitempty"`
}

type MemoryConfig struct {
	Extractor string `json:"extractor" yaml:"extractor" toml:"extractor"` // "heuristic" | "llm" | "off"
	MaxItems  int    `json:"maxItems" yaml:"maxItems" toml:"maxItems"`
	Encoding  string `json:"encoding,omitempty" yaml:"encoding,omitempty" toml:"encoding,omitempty"` // tiktoken encoding for the budget
}

type APIConfig struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	JWTSecret string `json:"jwtSecret,omitempty" yaml:"jwtSecret,omitempty" toml:"jwtSecret,omitempty"`
}

type TelegramConfig struct {
	Token     string         `json:"token,omitempty" yaml:"token,omitempty" toml:"token,omitempty"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty" toml:"allowFrom,omitempty"`
}

type BackupConfig struct {
	S3Bucket string `json:"s3Bucket,omitempty" yaml:"s3Bucket,omitempty" toml:"s3Bucket,omitempty"`
	S3Region string `json:"s3Region,omitempty" yaml:"s3Region,omitempty" toml:"s3Region,omitempty"`
	S3Prefix string `json:"s3Prefix,omitempty" yaml:"s3Prefix,omitempty" toml:"s3Prefix,omitempty"`
}

// FlexStringList is a []string that also accepts numbers, so Telegram chat
// ids can be written either way (["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return f.fromAny(raw)
}

// UnmarshalTOML implements toml.Unmarshaler.
func (f *FlexStringList) UnmarshalTOML(v any) error {
	raw, ok := v.([]any)
	if !ok {
		return fmt.Errorf("allowFrom: expected array, got %T", v)
	}
	return f.fromAny(raw)
}

func (f *FlexStringList) fromAny(raw []any) error {
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			result = append(result, v)
		case float64:
			result = append(result, strconv.FormatInt(int64(v), 10))
		case int64:
			result = append(result, strconv.FormatInt(v, 10))
		default:
			result = append(result, fmt.Sprint(v))
		}
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.bizpilot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bizpilot"
	}
	return filepath.Join(home, ".bizpilot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads path, picking the decoder by extension (.json, .yaml/.yml,
// .toml). Unset fields keep their Defaults() value.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	if cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = ExpandPath(cfg.Storage.DSN)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case ".json", "":
		return json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset var
// without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		def, hasDefault := groups[2], groups[2] != ""

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// Save writes cfg in the format implied by path's extension.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks every section and reports all problems at once.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		add("general.logFormat must be text or json")
	}
	if strings.TrimSpace(cfg.General.OwnerID) == "" {
		add("general.ownerId is required")
	}

	e := cfg.Engine
	if e.HistoryWindow < 1 || e.HistoryWindow > 100 {
		add("engine.historyWindow must be between 1 and 100")
	}
	if e.TitleMaxLength < 10 {
		add("engine.titleMaxLength must be >= 10")
	}
	if e.FallbackTitleLength < 10 {
		add("engine.fallbackTitleLength must be >= 10")
	}
	if e.MemoryBudgetTokens < 0 {
		add("engine.memoryBudgetTokens must be >= 0")
	}
	if e.PersistenceTimeoutSec < 1 || e.CompletionTimeoutSec < 1 || e.TitleTimeoutSec < 1 {
		add("engine timeouts must be >= 1 second")
	}
	if e.RequestsPerMinute < 0 {
		add("engine.requestsPerMinute must be >= 0")
	}

	switch cfg.Storage.Driver {
	case "sqlite", "postgres":
		if cfg.Storage.DSN == "" {
			add("storage.dsn is required")
		}
	default:
		add("storage.driver must be sqlite or postgres")
	}

	switch cfg.Cache.Driver {
	case "", "none", "memory":
	case "redis":
		if cfg.Cache.Addr == "" {
			add("cache.addr is required for redis")
		}
	default:
		add("cache.driver must be one of: memory, redis, none")
	}

	switch cfg.Memory.Extractor {
	case "heuristic", "llm", "off":
	default:
		add("memory.extractor must be one of: heuristic, llm, off")
	}
	if cfg.Memory.MaxItems < 1 {
		add("memory.maxItems must be >= 1")
	}

	if _, ok := cfg.Providers[cfg.DefaultProvider]; !ok {
		add("defaultProvider references unknown provider: %s", cfg.DefaultProvider)
	}
	for _, name := range cfg.FallbackProviders {
		if _, ok := cfg.Providers[name]; !ok {
			add("fallbackProviders references unknown provider: %s", name)
		}
	}
	for name, pc := range cfg.Providers {
		if pc.Temperature < 0 || pc.Temperature > 2 {
			add("providers.%s.temperature must be between 0 and 2", name)
		}
	}

	return errors.Join(errs...)
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
