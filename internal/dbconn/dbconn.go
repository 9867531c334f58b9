// Package dbconn builds the shared *sql.DB connection pool used by every
// other command-bus package. It owns pool sizing, application-name tagging
// and connect-with-retry, but knows nothing about commands, queues or
// schema.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"

	"github.com/FreeSideNomad/rcmd-sub001/internal/observability"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	DatabaseURL     string        // postgres://... ; takes precedence over the discrete fields below
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	MaxLifetime     time.Duration
	ApplicationName string
}

// DB wraps a *sql.DB with the configuration it was built from.
type DB struct {
	Client *sql.DB
	Config *Config
}

func poolLimitsForEnv(appEnv string) (maxOpen, maxIdle int) {
	switch appEnv {
	case "production":
		return 40, 16
	case "staging":
		return 10, 4
	default:
		return 4, 2
	}
}

func determineApplicationName(suffix string) string {
	base := "rcmd"
	if env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV"))); env != "" {
		base = fmt.Sprintf("rcmd-%s", env)
	}
	host, _ := os.Hostname()
	name := base
	if host != "" {
		name = fmt.Sprintf("%s:%s", name, host)
	}
	if suffix != "" {
		name = fmt.Sprintf("%s:%s", name, suffix)
	}
	if len(name) > 60 {
		name = name[:60]
	}
	return name
}

// ConnectionString renders the connection string, appending
// application_name when one is set and not already present. It adds no
// statement_timeout or idle-in-transaction setting; sessions run with the
// server's defaults for both.
func (c *Config) ConnectionString() string {
	if trimmed := strings.TrimSpace(c.DatabaseURL); trimmed != "" {
		sep := "?"
		if strings.Contains(trimmed, "?") {
			sep = "&"
		}
		if !strings.Contains(trimmed, "application_name=") && c.ApplicationName != "" {
			trimmed = fmt.Sprintf("%s%sapplication_name=%s", trimmed, sep, c.ApplicationName)
		}
		return trimmed
	}

	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
	if c.ApplicationName != "" {
		connStr += fmt.Sprintf(" application_name=%s", c.ApplicationName)
	}
	return connStr
}

// Validate checks the configuration has enough information to connect.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) != "" {
		return nil
	}
	if c.Host == "" || c.Port == "" || c.User == "" || c.Database == "" {
		return fmt.Errorf("database configuration incomplete: require DatabaseURL or Host/Port/User/Database")
	}
	return nil
}

// New opens a PostgreSQL connection pool via pgx's database/sql adapter.
func New(config *Config) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.MaxOpenConns == 0 || config.MaxIdleConns == 0 {
		maxOpen, maxIdle := poolLimitsForEnv(os.Getenv("APP_ENV"))
		if config.MaxOpenConns == 0 {
			config.MaxOpenConns = maxOpen
		}
		if config.MaxIdleConns == 0 {
			config.MaxIdleConns = maxIdle
		}
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.ApplicationName == "" {
		config.ApplicationName = determineApplicationName("")
	}

	connStr := config.ConnectionString()

	log.Info().Str("application_name", config.ApplicationName).Msg("opening PostgreSQL connection pool")

	client, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)
	client.SetConnMaxIdleTime(2 * time.Minute)

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &DB{Client: client, Config: config}, nil
}

// InitFromEnv builds a Config from DATABASE_URL (preferred) or the discrete
// POSTGRES_* variables, then connects.
func InitFromEnv() (*DB, error) {
	if url := strings.TrimSpace(os.Getenv("DATABASE_URL")); url != "" {
		return New(&Config{
			DatabaseURL:     url,
			ApplicationName: determineApplicationName(os.Getenv("RCMD_APP_NAME_SUFFIX")),
		})
	}

	return New(&Config{
		Host:            getenvDefault("POSTGRES_HOST", "localhost"),
		Port:            getenvDefault("POSTGRES_PORT", "5432"),
		User:            getenvDefault("POSTGRES_USER", "postgres"),
		Password:        os.Getenv("POSTGRES_PASSWORD"),
		Database:        getenvDefault("POSTGRES_DB", "rcmd"),
		SSLMode:         os.Getenv("POSTGRES_SSL_MODE"),
		ApplicationName: determineApplicationName(os.Getenv("RCMD_APP_NAME_SUFFIX")),
	})
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Close closes the underlying pool.
func (db *DB) Close() error {
	return db.Client.Close()
}

// ReportStats emits the pool's current utilisation to observability. Meant
// to be called on a short interval from cmd/worker alongside the per-domain
// worker pools.
func (db *DB) ReportStats(ctx context.Context) {
	s := db.Client.Stats()
	var usage float64
	if db.Config.MaxOpenConns > 0 {
		usage = float64(s.InUse) / float64(db.Config.MaxOpenConns)
	}
	observability.RecordDBPoolStats(ctx, observability.DBPoolSnapshot{
		InUse:        s.InUse,
		Idle:         s.Idle,
		WaitCount:    s.WaitCount,
		WaitDuration: s.WaitDuration,
		MaxOpen:      db.Config.MaxOpenConns,
		Usage:        usage,
	})
}

// WaitForDatabase blocks, retrying with exponential backoff, until the
// database becomes reachable or ctx/maxWait elapses. Used by cmd/worker at
// startup so a worker process doesn't crash-loop while Postgres is still
// coming up in a fresh environment.
func WaitForDatabase(ctx context.Context, maxWait time.Duration) (*DB, error) {
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	backoff := 1 * time.Second
	const maxBackoff = 30 * time.Second
	var lastErr error

	for {
		db, err := InitFromEnv()
		if err == nil {
			return db, nil
		}
		lastErr = err

		log.Warn().Err(err).Dur("retry_in", backoff).Msg("database unreachable, retrying")

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("database did not become available within %s: %w", maxWait, lastErr)
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
