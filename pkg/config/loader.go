package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"callguard/pkg/authgate"
	"callguard/pkg/logx"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

//nolint:gochecknoglobals // reflect type used by the override walker
var durationType = reflect.TypeOf(time.Duration(0))

// LoadDotEnv loads KEY=value pairs from each existing file without overriding variables
// already set in the process. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		getLogger().Debug("loaded environment from %s", path)
	}
	return nil
}

// Load reads the config file at path on top of Default, then applies environment
// overrides, fills remaining gaps and validates. An empty path loads defaults only.
// Files ending in .json are parsed as JSON, everything else as YAML.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, expandEnv(data), &cfg); err != nil {
			return nil, err
		}
		getLogger().Info("loaded config from %s", path)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// expandEnv replaces ${VAR} with its value. Unset variables are left in place so that
// validation reports them instead of silently reading empty strings.
func expandEnv(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		return match
	})
}

// decode parses data into cfg. JSON is routed through YAML so that both formats accept
// durations such as "30s".
func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("failed to parse config JSON %s: %w", path, err)
		}
		converted, err := yaml.Marshal(generic)
		if err != nil {
			return fmt.Errorf("failed to convert config JSON %s: %w", path, err)
		}
		data = converted
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides sets any field whose CALLGUARD_<PATH> variable is non-empty. The path
// joins yaml tags with underscores, for example CALLGUARD_CIRCUIT_BREAKER_FAILURE_THRESHOLD.
func applyEnvOverrides(cfg *Config) error {
	v := reflect.ValueOf(cfg).Elem()
	return applyEnvOverridesRecursive(v, v.Type(), EnvPrefix)
}

func applyEnvOverridesRecursive(v reflect.Value, t reflect.Type, prefix string) error {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		tag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		envKey := prefix + strings.ToUpper(tag)

		if field.Kind() == reflect.Struct && field.Type() != durationType {
			if err := applyEnvOverridesRecursive(field, field.Type(), envKey+"_"); err != nil {
				return err
			}
			continue
		}

		if envValue := os.Getenv(envKey); envValue != "" {
			if err := setFieldFromEnv(field, envValue); err != nil {
				return fmt.Errorf("%s: %w", envKey, err)
			}
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, envValue string) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(envValue)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(envValue, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(envValue, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(envValue)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		var items []string
		for _, item := range strings.Split(envValue, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	}
	return nil
}

// applyDefaults fills values that may be resolved from well-known environment names.
func applyDefaults(cfg *Config) {
	if cfg.Circuit.RedisURL == "" {
		cfg.Circuit.RedisURL, _ = LookupSecret(EnvRedisURL)
	}
	if cfg.Audit.PostgresDSN == "" {
		cfg.Audit.PostgresDSN, _ = LookupSecret(EnvDatabaseURL)
	}
	if cfg.Auth.SupabaseURL == "" {
		cfg.Auth.SupabaseURL = os.Getenv("SUPABASE_URL")
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModels[cfg.LLM.Provider]
	}
	if cfg.Audit.Retention <= 0 {
		cfg.Audit.Retention = 24 * time.Hour
	}
	if cfg.Circuit.SweepInterval <= 0 {
		cfg.Circuit.SweepInterval = time.Minute
	}
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// Validate checks the structure of the configuration. Credentials are checked separately
// by Preflight once secrets are unlocked.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server addr is empty")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.Circuit.Breaker.Validate(); err != nil {
		return fmt.Errorf("circuit breaker: %w", err)
	}
	if !oneOf(c.Circuit.Store, CircuitStoreMemory, CircuitStoreRedis) {
		return fmt.Errorf("circuit store must be %q or %q (got %q)", CircuitStoreMemory, CircuitStoreRedis, c.Circuit.Store)
	}
	if !oneOf(c.Auth.Verifier, VerifierSupabase, VerifierJWT) {
		return fmt.Errorf("auth verifier must be %q or %q (got %q)", VerifierSupabase, VerifierJWT, c.Auth.Verifier)
	}
	if !oneOf(c.Audit.Driver, AuditNone, AuditSQLite, AuditPostgres) {
		return fmt.Errorf("audit driver must be one of none, sqlite, postgres (got %q)", c.Audit.Driver)
	}
	if c.Audit.Driver == AuditSQLite && c.Audit.SQLitePath == "" {
		return errors.New("audit sqlite_path is empty")
	}
	if _, ok := DefaultModels[c.LLM.Provider]; !ok {
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm max_tokens must be positive (got %d)", c.LLM.MaxTokens)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm temperature must be within [0, 2] (got %g)", c.LLM.Temperature)
	}
	if c.LLM.Timeout <= 0 {
		return errors.New("llm timeout must be positive")
	}
	return nil
}

// RequiredSecrets lists the secret names the configuration depends on.
func (c *Config) RequiredSecrets() []string {
	var names []string
	if key := APIKeyName(c.LLM.Provider); key != "" {
		names = append(names, key)
	}
	if c.Auth.RequireAuth {
		switch c.Auth.Verifier {
		case VerifierSupabase:
			names = append(names, EnvSupabaseAnonKey)
		case VerifierJWT:
			names = append(names, EnvSupabaseJWTSecret)
		}
	}
	return append(names, c.Functions.RequiredAPIKeys...)
}

// Preflight verifies that everything the configuration points at can be resolved: secrets
// through lookup (nil means LookupSecret) and endpoints from the config itself.
func Preflight(c *Config, lookup authgate.LookupFunc) error {
	if lookup == nil {
		lookup = LookupSecret
	}
	if err := authgate.ValidateRequiredAPIKeys(c.RequiredSecrets(), lookup); err != nil {
		return logx.Wrap(err, "preflight")
	}
	if c.Auth.RequireAuth && c.Auth.Verifier == VerifierSupabase && c.Auth.SupabaseURL == "" {
		return errors.New("preflight: auth supabase_url is empty (set it or SUPABASE_URL)")
	}
	if c.Circuit.Store == CircuitStoreRedis && c.Circuit.RedisURL == "" {
		return errors.New("preflight: circuit redis_url is empty (set it or REDIS_URL)")
	}
	if c.Audit.Driver == AuditPostgres && c.Audit.PostgresDSN == "" {
		return errors.New("preflight: audit postgres_dsn is empty (set it or DATABASE_URL)")
	}
	return nil
}

// ApplyLogging pushes the log section into logx. Environment variables read by logx at
// startup stay in effect for anything left empty here.
func ApplyLogging(c LogConfig) {
	if c.Format != "" {
		logx.SetHandler(logx.NewHandler(os.Stderr, strings.ToLower(c.Format)))
	}
	if c.Debug {
		logx.SetDebugConfig(true)
	} else if c.Level != "" {
		logx.SetLevel(logx.Level(c.Level))
	}
	if len(c.DebugDomains) > 0 {
		logx.SetDebugDomains(c.DebugDomains)
	}
}
