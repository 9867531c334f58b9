// Package testutil provides the integration-test scaffolding shared by the
// command-bus packages: loading a test database URL, and standing up (or
// skipping past) a real PostgreSQL instance with the commandbus schema
// installed.
package testutil

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"

	"github.com/FreeSideNomad/rcmd-sub001/internal/dbconn"
	"github.com/FreeSideNomad/rcmd-sub001/internal/schema"
)

// LoadTestEnv loads the .env.test file and sets DATABASE_URL from TEST_DATABASE_URL
func LoadTestEnv(t *testing.T) {
	t.Helper()

	// If DATABASE_URL is already set and not empty (e.g., in CI), use it
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		t.Log("DATABASE_URL already set in environment")
		return
	}

	// Find .env.test file (might be in parent directories during test runs)
	envPath := findEnvTestFile()
	if envPath == "" {
		t.Log("Warning: .env.test file not found, using environment variables as-is")
		return
	}

	// Load .env.test
	envMap, err := godotenv.Read(envPath)
	if err != nil {
		t.Logf("Warning: Failed to read %s: %v", envPath, err)
		return
	}

	// If TEST_DATABASE_URL exists, set it as DATABASE_URL
	if testDBURL, exists := envMap["TEST_DATABASE_URL"]; exists {
		os.Setenv("DATABASE_URL", testDBURL)
		t.Log("DATABASE_URL set from TEST_DATABASE_URL in .env.test")
	}
}

// findEnvTestFile searches for .env.test in current and parent directories
func findEnvTestFile() string {
	// Start from current directory
	dir, _ := os.Getwd()

	// Search up to 5 levels up
	for range 5 {
		envPath := filepath.Join(dir, ".env.test")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			break // Reached root
		}
		dir = parent
	}

	return ""
}

// RequireDatabase returns an open pool against DATABASE_URL with the
// commandbus schema installed, or calls t.Skip if no test database is
// configured. Tests exercising internal/repository, internal/queue,
// internal/bus, internal/tsq and internal/process against real PostgreSQL
// (rather than go-sqlmock expectations) call this first.
func RequireDatabase(t *testing.T) *sql.DB {
	t.Helper()
	LoadTestEnv(t)

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := dbconn.New(&dbconn.Config{DatabaseURL: url, ApplicationName: "rcmd-test"})
	if err != nil {
		t.Skipf("could not connect to test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := schema.Install(db.Client); err != nil {
		t.Fatalf("failed to install commandbus schema: %v", err)
	}

	return db.Client
}

// TruncateQueue clears a domain's queue and archive tables between test
// cases so commands from one test don't leak visibility into the next.
func TruncateQueue(t *testing.T, db *sql.DB, domain string) {
	t.Helper()
	if err := schema.EnsureQueueTables(db, domain); err != nil {
		t.Fatalf("failed to ensure queue tables for domain %q: %v", domain, err)
	}
	if _, err := db.Exec(`TRUNCATE TABLE commandbus.q_` + domain + `, commandbus.q_` + domain + `_archive`); err != nil {
		t.Fatalf("failed to truncate queue tables for domain %q: %v", domain, err)
	}
}
