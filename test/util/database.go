// Package util provides shared test helpers: a disposable PostgreSQL schema
// and an in-memory connection transport.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/agentwire/pkg/database"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	// Shared connection string for all tests in local dev
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestDatabase returns a client bound to a fresh schema with all
// migrations applied. Both CI and local dev use per-test schemas:
//   - CI: connects to the PostgreSQL service from CI_DATABASE_URL
//   - Local: uses a shared testcontainer (started once per package)
//
// The test is skipped when neither is available.
func SetupTestDatabase(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	connStr := getOrCreateSharedDatabase(t)
	schemaName := GenerateSchemaName(t)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	_ = db.Close()
	t.Logf("Created test schema: %s", schemaName)

	// search_path on the connection string applies to every pooled connection
	// and to dedicated pgx connections opened from client.DSN().
	dsn := AddSearchPathToConnString(connStr, schemaName)
	db, err = stdsql.Open("pgx", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	require.NoError(t, database.Migrate(db, "test"))

	t.Cleanup(func() {
		_, err := db.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schemaName, err)
		}
		_ = db.Close()
	})

	return database.NewClientFromDB(db, dsn)
}

// GetBaseConnectionString returns the base PostgreSQL connection string
// (without schema search_path). Used by integration tests that need a raw
// connection string for dedicated connections, e.g. NotifyListener's pgx.Conn.
func GetBaseConnectionString(t *testing.T) string {
	return getOrCreateSharedDatabase(t)
}

// getOrCreateSharedDatabase returns a connection string to the shared database.
// In CI, uses CI_DATABASE_URL. In local dev, creates a shared testcontainer once.
func getOrCreateSharedDatabase(t *testing.T) string {
	// Check if we're in CI with an external database
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	testcontainers.SkipIfProviderIsNotHealthy(t)

	// Local dev: ensure shared container is started (once per package)
	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer for all tests")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		// Get connection string
		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}

		sharedConnStr = connStr
		t.Logf("Shared container ready: %s", sharedConnStr)
	})

	require.NoError(t, containerErr, "Failed to setup shared test container")
	return sharedConnStr
}

// GenerateSchemaName creates a unique, PostgreSQL-safe schema name for the test.
// Format: test_<sanitized_test_name>_<random_hex>
func GenerateSchemaName(t *testing.T) string {
	// Get test name and sanitize it (lowercase, replace invalid chars with _)
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)

	// Limit length to avoid PostgreSQL's 63 char identifier limit
	if len(testName) > 40 {
		testName = testName[:40]
	}

	// Add random suffix for uniqueness
	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	if err != nil {
		// crypto/rand.Read does not fail on supported platforms
		t.Fatalf("failed to generate random bytes for schema name: %v", err)
	}
	randomHex := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("test_%s_%s", testName, randomHex)
}

// AddSearchPathToConnString appends search_path parameter to a PostgreSQL connection string.
// This ensures all connections in the pool use the specified schema.
func AddSearchPathToConnString(connStr, schemaName string) string {
	// Add search_path as a connection parameter
	separator := "?"
	if strings.Contains(connStr, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, separator, schemaName)
}
