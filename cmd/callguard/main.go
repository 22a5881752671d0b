package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/term"

	"callguard/pkg/authgate"
	"callguard/pkg/circuit"
	"callguard/pkg/config"
	"callguard/pkg/functions"
	"callguard/pkg/llm"
	"callguard/pkg/logx"
	"callguard/pkg/metrics"
	"callguard/pkg/persistence"
	"callguard/pkg/retry"
	"callguard/pkg/version"
)

// auditLog is what the gate needs plus the housekeeping done here.
type auditLog interface {
	authgate.AuditLog
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML or JSON config file")
		stateDir    = flag.String("statedir", ".", "Directory holding .callguard/secrets.json.enc")
		envFile     = flag.String("env-file", ".env", "Dotenv file loaded before the config")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("callguard"))
		os.Exit(0)
	}

	os.Exit(run(*configPath, *stateDir, *envFile))
}

// run contains the server lifecycle and returns an exit code so that defers run
// before os.Exit.
func run(configPath, stateDir, envFile string) int {
	logger := logx.NewLogger("callguard")

	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", envFile, err)
		return 1
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	config.ApplyLogging(cfg.Log)

	if err := unlockSecrets(stateDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to unlock secrets: %v\n", err)
		return 1
	}
	if err := config.Preflight(cfg, nil); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var recorder metrics.Recorder = metrics.Nop()
	if cfg.Server.MetricsEnabled {
		recorder = metrics.NewPrometheusRecorder(reg)
	}

	store, closeStore, err := openCircuitStore(ctx, cfg.Circuit)
	if err != nil {
		logger.Error("circuit store: %v", err)
		return 1
	}
	defer closeStore()

	audit, err := openAuditLog(ctx, cfg.Audit)
	if err != nil {
		logger.Error("audit log: %v", err)
		return 1
	}
	if audit != nil {
		defer func() {
			if closeErr := audit.Close(); closeErr != nil {
				logger.Warn("failed to close audit log: %v", closeErr)
			}
		}()
		go pruneAudit(ctx, audit, cfg.Audit.Retention)
	}

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		logger.Error("auth verifier: %v", err)
		return 1
	}
	gateOpts := []authgate.Option{authgate.WithRecorder(recorder)}
	if audit != nil {
		gateOpts = append(gateOpts, authgate.WithAuditLog(audit))
	}
	gate := authgate.New(verifier, gateOpts...)

	retrier := retry.New(retry.WithDefaultConfig(cfg.Retry), retry.WithRecorder(recorder))
	breaker := circuit.New(store,
		circuit.WithConfig(cfg.Circuit.Breaker),
		circuit.WithRecorder(recorder),
		circuit.OnStateChange(func(name string, from, to circuit.Status) {
			logger.With("circuit", name).Info("circuit %s: %s -> %s", name, from, to)
		}),
	)
	go breaker.RunSweeper(ctx, cfg.Circuit.SweepInterval)

	client, err := llm.NewFromConfig(cfg.LLM)
	if err != nil {
		logger.Error("llm client: %v", err)
		return 1
	}
	client = llm.WithMetrics(client, recorder)

	server := functions.NewServer(gate, breaker, retrier, client, recorder, functions.Options{
		Lookup: config.LookupSecret,
		Auth: authgate.Config{
			AllowedRoles:   cfg.Auth.AllowedRoles,
			RequireAuth:    cfg.Auth.RequireAuth,
			CheckRateLimit: cfg.Auth.CheckRateLimit,
		},
		RequiredAPIKeys: cfg.Functions.RequiredAPIKeys,
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     cfg.LLM.Temperature,
		AttemptTimeout:  cfg.LLM.Timeout,
	})

	root := server.Routes()
	if cfg.Server.MetricsEnabled {
		root.Handle("/metrics", metrics.Handler(reg))
	}
	root.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})

	logger.Info("%s serving %s model %s on %s", version.String("callguard"), cfg.LLM.Provider, client.Model(), cfg.Server.Addr)
	err = functions.Serve(ctx, functions.ServeConfig{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, root, nil)
	if err != nil {
		logger.Error("server stopped: %v", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// unlockSecrets decrypts the secrets file when present. The password comes from
// CALLGUARD_PASSWORD, or an interactive prompt when stdin is a terminal.
func unlockSecrets(stateDir string) error {
	if !config.SecretsFileExists(stateDir) {
		return nil
	}

	password := os.Getenv(config.EnvPassword)
	if password == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("%s exists but %s is not set", config.SecretsPath(stateDir), config.EnvPassword)
		}
		fmt.Print("Enter callguard password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(raw)
	}

	vault, err := config.UnlockVault(stateDir, password)
	if err != nil {
		return err
	}
	config.SetVault(vault)
	return nil
}

func openCircuitStore(ctx context.Context, cfg config.CircuitConfig) (circuit.Store, func(), error) {
	if cfg.Store != config.CircuitStoreRedis {
		return circuit.NewMemoryStore(), func() {}, nil
	}

	rdb, err := circuit.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	var opts []circuit.RedisOption
	if cfg.KeyPrefix != "" {
		opts = append(opts, circuit.WithKeyPrefix(cfg.KeyPrefix))
	}
	return circuit.NewRedisStore(rdb, opts...), func() { _ = rdb.Close() }, nil
}

func openAuditLog(ctx context.Context, cfg config.AuditConfig) (auditLog, error) {
	switch cfg.Driver {
	case config.AuditSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
		db, err := persistence.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.AuditPostgres:
		db, err := persistence.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, nil //nolint:nilnil // auditing disabled
	}
}

func newVerifier(cfg config.AuthConfig) (authgate.Verifier, error) {
	switch cfg.Verifier {
	case config.VerifierJWT:
		secret, err := config.GetSecret(config.EnvSupabaseJWTSecret)
		if err != nil {
			return nil, err
		}
		var opts []authgate.JWTOption
		if cfg.JWTAudience != "" {
			opts = append(opts, authgate.WithAudience(cfg.JWTAudience))
		}
		if cfg.JWTIssuer != "" {
			opts = append(opts, authgate.WithIssuer(cfg.JWTIssuer))
		}
		return authgate.NewJWTVerifier(secret, opts...), nil
	default:
		if cfg.SupabaseURL == "" {
			if cfg.RequireAuth {
				return nil, errors.New("auth supabase_url is empty")
			}
			return nil, nil //nolint:nilnil // gate never calls the verifier without RequireAuth
		}
		anonKey, _ := config.LookupSecret(config.EnvSupabaseAnonKey)
		return authgate.NewSupabaseVerifier(cfg.SupabaseURL, anonKey, nil), nil
	}
}

// pruneAudit drops audit entries older than retention once an hour.
func pruneAudit(ctx context.Context, audit auditLog, retention time.Duration) {
	logger := logx.NewLogger("audit")
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := audit.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("audit prune failed: %v", err)
				continue
			}
			if removed > 0 {
				logger.Debug("pruned %d audit entries", removed)
			}
		}
	}
}
