// Package config loads callguard's settings from a YAML or JSON file, the environment
// and an encrypted secrets file.
//
// Precedence, lowest first:
//
//  1. Defaults (Default)
//  2. The config file, after ${VAR} expansion
//  3. CALLGUARD_<SECTION>_<FIELD> environment overrides
//
// Credentials never live in the config file. They are resolved by name through the
// Vault (secrets file first, then environment), see GetSecret.
package config

import (
	"fmt"
	"time"

	"callguard/pkg/circuit"
	"callguard/pkg/logx"
	"callguard/pkg/retry"
)

// Store backends for circuit state.
const (
	CircuitStoreMemory = "memory"
	CircuitStoreRedis  = "redis"
)

// Token verifiers.
const (
	VerifierSupabase = "supabase"
	VerifierJWT      = "jwt"
)

// Audit log drivers.
const (
	AuditNone     = "none"
	AuditSQLite   = "sqlite"
	AuditPostgres = "postgres"
)

// LLM providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Secret names resolved through the Vault.
const (
	EnvOpenAIAPIKey      = "OPENAI_API_KEY"
	EnvAnthropicAPIKey   = "ANTHROPIC_API_KEY"
	EnvGoogleAPIKey      = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost        = "OLLAMA_HOST"
	EnvSupabaseAnonKey   = "SUPABASE_ANON_KEY"
	EnvSupabaseJWTSecret = "SUPABASE_JWT_SECRET"
	EnvDatabaseURL       = "DATABASE_URL"
	EnvRedisURL          = "REDIS_URL"
	EnvPassword          = "CALLGUARD_PASSWORD"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CALLGUARD_"

//nolint:gochecknoglobals // Package logger for config operations
var logger *logx.Logger

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	MetricsEnabled  bool          `json:"metrics_enabled" yaml:"metrics_enabled"`
}

// LogConfig mirrors the LOG_LEVEL / LOG_FORMAT / DEBUG_DOMAINS environment knobs.
type LogConfig struct {
	Level        string   `json:"level" yaml:"level"`
	Format       string   `json:"format" yaml:"format"`
	Debug        bool     `json:"debug" yaml:"debug"`
	DebugDomains []string `json:"debug_domains" yaml:"debug_domains"`
}

// CircuitConfig holds breaker thresholds and where their state lives.
type CircuitConfig struct {
	Store         string         `json:"store" yaml:"store"`           // "memory" or "redis"
	RedisURL      string         `json:"redis_url" yaml:"redis_url"`   // Falls back to REDIS_URL
	KeyPrefix     string         `json:"key_prefix" yaml:"key_prefix"` // Redis key namespace
	SweepInterval time.Duration  `json:"sweep_interval" yaml:"sweep_interval"`
	Breaker       circuit.Config `json:"breaker" yaml:"breaker"`
}

// AuthConfig configures the validation gate in front of every function.
type AuthConfig struct {
	Verifier       string   `json:"verifier" yaml:"verifier"` // "supabase" or "jwt"
	SupabaseURL    string   `json:"supabase_url" yaml:"supabase_url"`
	JWTAudience    string   `json:"jwt_audience" yaml:"jwt_audience"`
	JWTIssuer      string   `json:"jwt_issuer" yaml:"jwt_issuer"`
	AllowedRoles   []string `json:"allowed_roles" yaml:"allowed_roles"`
	RequireAuth    bool     `json:"require_auth" yaml:"require_auth"`
	CheckRateLimit bool     `json:"check_rate_limit" yaml:"check_rate_limit"`
}

// AuditConfig selects the audit log used for per-user rate limiting.
type AuditConfig struct {
	Driver      string        `json:"driver" yaml:"driver"` // "none", "sqlite" or "postgres"
	SQLitePath  string        `json:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN string        `json:"postgres_dsn" yaml:"postgres_dsn"` // Falls back to DATABASE_URL
	Retention   time.Duration `json:"retention" yaml:"retention"`
}

// LLMConfig selects the model behind the chat and training functions.
type LLMConfig struct {
	Provider    string        `json:"provider" yaml:"provider"`
	Model       string        `json:"model" yaml:"model"`
	BaseURL     string        `json:"base_url" yaml:"base_url"` // Optional endpoint override
	Temperature float64       `json:"temperature" yaml:"temperature"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"` // Per attempt
}

// FunctionsConfig lists what the functions require before serving.
type FunctionsConfig struct {
	RequiredAPIKeys []string `json:"required_api_keys" yaml:"required_api_keys"`
}

// Config is the complete callguard configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Retry     retry.Config    `json:"retry" yaml:"retry"`
	Circuit   CircuitConfig   `json:"circuit" yaml:"circuit"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Audit     AuditConfig     `json:"audit" yaml:"audit"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Functions FunctionsConfig `json:"functions" yaml:"functions"`
}

// DefaultModels is the model used per provider when none is configured.
//
//nolint:gochecknoglobals // Fixed provider defaults
var DefaultModels = map[string]string{
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-latest",
	ProviderGoogle:    "gemini-2.0-flash",
	ProviderOllama:    "llama3.2",
}

// Default returns a configuration that runs locally with no external state.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MetricsEnabled:  true,
		},
		Retry: retry.DefaultConfig(),
		Circuit: CircuitConfig{
			Store:         CircuitStoreMemory,
			SweepInterval: time.Minute,
			Breaker:       circuit.DefaultConfig(),
		},
		Auth: AuthConfig{
			Verifier:       VerifierSupabase,
			RequireAuth:    true,
			CheckRateLimit: true,
		},
		Audit: AuditConfig{
			Driver:     AuditSQLite,
			SQLitePath: StateDir + "/audit.db",
			Retention:  24 * time.Hour,
		},
		LLM: LLMConfig{
			Provider:    ProviderOpenAI,
			Model:       DefaultModels[ProviderOpenAI],
			Temperature: 0.7,
			MaxTokens:   1024,
			Timeout:     30 * time.Second,
		},
	}
}

// APIKeyName returns the secret holding the provider's credential, or "" for providers
// that need none.
func APIKeyName(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return EnvOpenAIAPIKey
	case ProviderAnthropic:
		return EnvAnthropicAPIKey
	case ProviderGoogle:
		return EnvGoogleAPIKey
	default:
		return ""
	}
}

// GetAPIKey returns the credential for provider. Ollama returns its host URL instead.
func GetAPIKey(provider string) (string, error) {
	if provider == ProviderOllama {
		if host, ok := LookupSecret(EnvOllamaHost); ok {
			return host, nil
		}
		return "http://localhost:11434", nil
	}
	name := APIKeyName(provider)
	if name == "" {
		return "", fmt.Errorf("unknown provider: %s", provider)
	}
	return GetSecret(name)
}
