package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_HistoryWindow(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.HistoryWindow = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for historyWindow=0")
	}

	cfg.Engine.HistoryWindow = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("historyWindow=1 should be valid: %v", err)
	}
	cfg.Engine.HistoryWindow = 100
	if err := Validate(cfg); err != nil {
		t.Fatalf("historyWindow=100 should be valid: %v", err)
	}
	cfg.Engine.HistoryWindow = 101
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for historyWindow=101")
	}
}

func TestValidate_StorageDriver(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.Driver = "mysql"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unsupported driver")
	}

	cfg.Storage.Driver = "postgres"
	cfg.Storage.DSN = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing dsn")
	}
}

func TestValidate_RedisNeedsAddr(t *testing.T) {
	cfg := Defaults()
	cfg.Cache.Driver = "redis"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for redis without addr")
	}
	cfg.Cache.Addr = "localhost:6379"
	if err := Validate(cfg); err != nil {
		t.Fatalf("redis with addr should be valid: %v", err)
	}
}

func TestValidate_UnknownProviders(t *testing.T) {
	cfg := Defaults()
	cfg.DefaultProvider = "missing"
	cfg.FallbackProviders = []string{"also-missing"}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for unknown providers")
	}
	if !strings.Contains(err.Error(), "defaultProvider") || !strings.Contains(err.Error(), "fallbackProviders") {
		t.Fatalf("expected both problems reported, got: %v", err)
	}
}

func TestValidate_InvalidExtractor(t *testing.T) {
	cfg := Defaults()
	cfg.Memory.Extractor = "magic"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown extractor")
	}
	for _, valid := range []string{"heuristic", "llm", "off"} {
		cfg.Memory.Extractor = valid
		if err := Validate(cfg); err != nil {
			t.Errorf("extractor %q should be valid: %v", valid, err)
		}
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for logLevel=verbose")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			original := Defaults()
			original.General.OwnerID = "dana"
			original.Providers["openai"] = ProviderConfig{APIKey: "sk-test", Model: "gpt-4o-mini"}
			original.DefaultProvider = "openai"
			original.FallbackProviders = []string{"ollama"}
			original.Telegram.AllowFrom = FlexStringList{"42"}

			if err := Save(path, original); err != nil {
				t.Fatalf("save: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0o600 {
				t.Errorf("expected 0600 perms, got %v", info.Mode().Perm())
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded.General.OwnerID != "dana" || loaded.DefaultProvider != "openai" {
				t.Fatalf("unexpected loaded config: %+v", loaded.General)
			}
			if loaded.Providers["openai"].Model != "gpt-4o-mini" {
				t.Fatalf("provider not round-tripped: %+v", loaded.Providers)
			}
			if len(loaded.Telegram.AllowFrom) != 1 || loaded.Telegram.AllowFrom[0] != "42" {
				t.Fatalf("allowFrom not round-tripped: %v", loaded.Telegram.AllowFrom)
			}
		})
	}
}

func TestLoad_YAMLPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
general:
  ownerId: dana
engine:
  historyWindow: 8
profile:
  business_name: Acme Bakery
  state: Oregon
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.HistoryWindow != 8 {
		t.Errorf("expected historyWindow 8, got %d", cfg.Engine.HistoryWindow)
	}
	if cfg.Engine.TitleMaxLength != 60 {
		t.Errorf("expected default titleMaxLength 60, got %d", cfg.Engine.TitleMaxLength)
	}
	if cfg.Profile["business_name"] != "Acme Bakery" {
		t.Errorf("profile not loaded: %v", cfg.Profile)
	}
}

func TestLoad_TOMLMixedAllowFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[general]
ownerId = "dana"

[telegram]
token = "123:abc"
allowFrom = ["alice", 12345]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Telegram.AllowFrom) != 2 || cfg.Telegram.AllowFrom[1] != "12345" {
		t.Fatalf("unexpected allowFrom: %v", cfg.Telegram.AllowFrom)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	os.WriteFile(path, []byte("x=1"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for .ini")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"engine": {"historyWindow": 0}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for historyWindow=0")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_BIZPILOT_OWNER", "env-owner")
	t.Setenv("TEST_BIZPILOT_KEY", "sk-from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
general:
  ownerId: ${TEST_BIZPILOT_OWNER}
providers:
  openai:
    apiKey: ${TEST_BIZPILOT_KEY}
    model: ${TEST_BIZPILOT_MODEL:-gpt-4o-mini}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.OwnerID != "env-owner" {
		t.Fatalf("expected ownerId 'env-owner', got %q", cfg.General.OwnerID)
	}
	if cfg.Providers["openai"].APIKey != "sk-from-env" || cfg.Providers["openai"].Model != "gpt-4o-mini" {
		t.Fatalf("unexpected provider: %+v", cfg.Providers["openai"])
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "defaultProvider")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "ollama" {
		t.Fatalf("expected 'ollama', got %v", val)
	}

	val, err = GetByPath(cfg, "engine.historyWindow")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != float64(5) {
		t.Fatalf("expected 5, got %v (%T)", val, val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	if _, err := GetByPath(cfg, "nonexistent.path"); err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_StringAndInt(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "general.ownerId", "dana"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.General.OwnerID != "dana" {
		t.Fatalf("expected 'dana', got %q", cfg.General.OwnerID)
	}

	if err := SetByPath(cfg, "engine.historyWindow", "12"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Engine.HistoryWindow != 12 {
		t.Fatalf("expected 12, got %d", cfg.Engine.HistoryWindow)
	}
}

func TestSetByPath_NewProvider(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "providers.claude.model", "claude-sonnet-4-5"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Providers["claude"].Model != "claude-sonnet-4-5" {
		t.Fatalf("unexpected providers: %+v", cfg.Providers)
	}
}

func TestSetByPath_RejectsInvalidResult(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "engine.historyWindow", "0"); err == nil {
		t.Fatal("expected validation error")
	}
	if cfg.Engine.HistoryWindow != 5 {
		t.Fatalf("config should be unchanged on error, got %d", cfg.Engine.HistoryWindow)
	}
}

func TestSetByPath_EmptyPath(t *testing.T) {
	if err := SetByPath(Defaults(), "", "x"); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Providers["openai"] = ProviderConfig{APIKey: "sk-1234567890abcdefghijklmnop"}
	cfg.API.JWTSecret = "super-secret"
	cfg.Storage = StorageConfig{Driver: "postgres", DSN: "postgres://bp:hunter2@db:5432/bizpilot"}

	sanitized := Sanitize(cfg)

	if sanitized.Telegram.Token == cfg.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.Providers["openai"].APIKey == cfg.Providers["openai"].APIKey {
		t.Fatal("API key should be masked")
	}
	if sanitized.API.JWTSecret != "***" {
		t.Fatal("jwt secret should be masked")
	}
	if sanitized.Storage.DSN != "postgres://bp:***@db:5432/bizpilot" {
		t.Fatalf("dsn password should be masked, got %q", sanitized.Storage.DSN)
	}
	if cfg.Providers["openai"].APIKey != "sk-1234567890abcdefghijklmnop" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Token = "short"
	if got := Sanitize(cfg).Telegram.Token; got != "***" {
		t.Fatalf("short secret should be '***', got %q", got)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, expected := range []string{"general.ownerId", "engine.historyWindow", "providers.ollama.model", "storage.driver"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	var list FlexStringList
	if err := json.Unmarshal([]byte(`["hello", 123, "world", 456.0]`), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 items, got %d", len(list))
	}
	if list[1] != "123" || list[3] != "456" {
		t.Fatalf("number conversion mismatch: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	if err := json.Unmarshal([]byte(`not json`), &list); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("BP_KEY", "sk-abc123")
	t.Setenv("BP_PORT", "9090")
	t.Setenv("BP_EMPTY", "")
	os.Unsetenv("BP_UNSET_12345")

	tests := []struct {
		in, want string
	}{
		{`{"apiKey": "${BP_KEY}"}`, `{"apiKey": "sk-abc123"}`},
		{`"${BP_UNSET_12345:-8080}"`, `"8080"`},
		{`"${BP_PORT:-8080}"`, `"9090"`},
		{`"${BP_KEY}:${BP_PORT}"`, `"sk-abc123:9090"`},
		{`"${BP_UNSET_12345}"`, `"${BP_UNSET_12345}"`},
		{`"${BP_EMPTY:-fallback}"`, `"fallback"`},
		{`"$HOME is not substituted"`, `"$HOME is not substituted"`},
	}
	for _, tt := range tests {
		if got := ExpandEnvVars(tt.in); got != tt.want {
			t.Errorf("ExpandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.DefaultProvider != "ollama" {
		t.Fatalf("default provider should be 'ollama', got %q", cfg.DefaultProvider)
	}
	if cfg.Engine.HistoryWindow != 5 || cfg.Engine.PlaceholderTitle != "New Conversation" {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
}
