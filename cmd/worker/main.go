// Command worker is the command bus's process entrypoint: it wires the
// database pool, schema, per-domain worker pools, the LISTEN/NOTIFY fast
// path, the troubleshooting queue and the saga runner, then serves a
// minimal operational surface (health and Prometheus metrics) until a
// termination signal arrives. It registers no business handlers itself —
// that is the extension point an embedding application uses before calling
// Start on the domains it owns.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/FreeSideNomad/rcmd-sub001/internal/audit"
	"github.com/FreeSideNomad/rcmd-sub001/internal/bus"
	"github.com/FreeSideNomad/rcmd-sub001/internal/config"
	"github.com/FreeSideNomad/rcmd-sub001/internal/dbconn"
	"github.com/FreeSideNomad/rcmd-sub001/internal/notifications"
	"github.com/FreeSideNomad/rcmd-sub001/internal/observability"
	"github.com/FreeSideNomad/rcmd-sub001/internal/process"
	"github.com/FreeSideNomad/rcmd-sub001/internal/queue"
	"github.com/FreeSideNomad/rcmd-sub001/internal/registry"
	"github.com/FreeSideNomad/rcmd-sub001/internal/repository"
	"github.com/FreeSideNomad/rcmd-sub001/internal/schema"
	"github.com/FreeSideNomad/rcmd-sub001/internal/tsq"
	"github.com/FreeSideNomad/rcmd-sub001/internal/worker"
)

// appConfig holds the process-level configuration loaded from environment
// variables, separate from the per-domain config.WorkerConfig each pool uses.
type appConfig struct {
	Port           string
	Env            string
	LogLevel       string
	SentryDSN      string
	Domains        []string
	ReplyDomain    string
	SlackToken     string
	SlackChannel   string
	MetricsEnabled bool
}

func main() {
	godotenv.Load()

	cfg := loadAppConfig()
	setupLogging(cfg)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Environment: cfg.Env}); err != nil {
			log.Warn().Err(err).Msg("failed to initialise sentry, continuing without error tracking")
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var providers *observability.Providers
	if cfg.MetricsEnabled {
		var err error
		providers, err = observability.Init(ctx, observability.Config{
			Enabled:     true,
			ServiceName: "rcmd-sub001-worker",
			Environment: cfg.Env,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialise observability providers, continuing without them")
		}
	}

	db, err := dbconn.WaitForDatabase(ctx, 60*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer db.Close()
	log.Info().Str("application_name", db.Config.ApplicationName).Msg("connected to PostgreSQL")

	if err := schema.Install(db.Client); err != nil {
		log.Fatal().Err(err).Msg("failed to install commandbus schema")
	}

	repo := repository.New(db.Client)
	auditLog := audit.New(db.Client)
	reg := registry.New()
	q := queue.New(db)

	var alertHook *notifications.SlackAlertHook
	if alertHook, err = notifications.NewSlackAlertHook(cfg.SlackToken, cfg.SlackChannel); err != nil {
		log.Warn().Err(err).Msg("failed to build slack alert hook, TSQ enrollments will not be announced")
	}
	tsqQueue := tsq.New(repo, auditLog, q, alertHook)

	wakers := make(map[string]notifications.Waker, len(cfg.Domains))
	pools := make(map[string]*worker.Pool, len(cfg.Domains))

	for _, domain := range cfg.Domains {
		if err := schema.EnsureQueueTables(db.Client, domain); err != nil {
			log.Fatal().Err(err).Str("domain", domain).Msg("failed to ensure queue tables")
		}

		wc := config.FromEnv(domain)
		if err := wc.Validate(); err != nil {
			log.Fatal().Err(err).Str("domain", domain).Msg("invalid worker configuration")
		}

		pool := worker.New(worker.FromWorkerConfig(wc), q, repo, auditLog, reg, tsqQueue)
		pools[domain] = pool
		wakers[domain] = pool
	}

	for domain, pool := range pools {
		pool.Start(ctx)
		go pool.RunReaper(ctx, 30*time.Second)
		log.Info().Str("domain", domain).Msg("worker pool started")
	}

	go notifications.StartWithFallback(ctx, db.Config.ConnectionString(), wakers)

	cmdBus := bus.New(q, repo, auditLog)
	if cfg.ReplyDomain != "" {
		store := process.NewStore(db.Client)
		runner := process.NewRunner(store, cmdBus, db.Client, cfg.ReplyDomain)
		if err := schema.EnsureQueueTables(db.Client, cfg.ReplyDomain); err != nil {
			log.Fatal().Err(err).Str("domain", cfg.ReplyDomain).Msg("failed to ensure reply queue tables")
		}
		replyRouter := process.NewReplyRouter(runner, q, cfg.ReplyDomain)
		go replyRouter.Run(ctx)
		log.Info().Str("reply_domain", cfg.ReplyDomain).Msg("saga reply router started")
	}

	go reportPoolStats(ctx, db)

	server := buildOperationalServer(cfg, db, providers)
	go func() {
		log.Info().Str("port", cfg.Port).Msg("starting operational HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("operational HTTP server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining worker pools")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	for domain, pool := range pools {
		pool.Stop()
		log.Info().Str("domain", domain).Msg("worker pool stopped")
	}

	if providers != nil && providers.Shutdown != nil {
		_ = providers.Shutdown(shutdownCtx)
	}

	log.Info().Msg("worker process stopped")
}

func loadAppConfig() appConfig {
	domains := []string{}
	if raw := os.Getenv("RCMD_DOMAINS"); raw != "" {
		for _, d := range strings.Split(raw, ",") {
			if d = strings.TrimSpace(d); d != "" {
				domains = append(domains, d)
			}
		}
	}

	return appConfig{
		Port:           getEnvWithDefault("PORT", "8080"),
		Env:            getEnvWithDefault("APP_ENV", "development"),
		LogLevel:       getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN:      os.Getenv("SENTRY_DSN"),
		Domains:        domains,
		ReplyDomain:    os.Getenv("RCMD_REPLY_DOMAIN"),
		SlackToken:     os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:   os.Getenv("SLACK_TSQ_CHANNEL"),
		MetricsEnabled: getEnvWithDefault("RCMD_OBSERVABILITY_ENABLED", "true") == "true",
	}
}

func getEnvWithDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// setupLogging configures the global zerolog logger: a human-readable
// console writer in development, structured JSON with a service field in
// production.
func setupLogging(cfg appConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		return
	}

	log.Logger = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", "rcmd-sub001-worker").
		Logger()
}

// reportPoolStats periodically emits database pool utilisation metrics.
func reportPoolStats(ctx context.Context, db *dbconn.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			db.ReportStats(ctx)
		}
	}
}

// buildOperationalServer serves /health, /pg-health and, when observability
// is enabled, /metrics. This is the full HTTP surface this process exposes —
// no job-submission API, since front-ends are out of scope for a command bus.
func buildOperationalServer(cfg appConfig, db *dbconn.DB, providers *observability.Providers) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "OK", "time": time.Now().Format(time.RFC3339)})
	})

	mux.HandleFunc("/pg-health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Client.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "ERROR", "error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "OK"})
	})

	if providers != nil && providers.MetricsHandler != nil {
		mux.Handle("/metrics", providers.MetricsHandler)
	}

	return &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: observability.WrapHandler(mux, providers),
	}
}
