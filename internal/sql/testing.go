package sql

import (
	"context"
	"os"
	"testing"

	"github.com/leg100/jobq/internal/logr"
	"github.com/stretchr/testify/require"
)

// TestDatabaseEnvVar names the environment variable holding the connection
// string for the postgres database used by tests.
const TestDatabaseEnvVar = "JOBQ_TEST_DATABASE"

// NewTestDB returns a connection to the test database, skipping the test if
// no test database is configured. Tables are truncated when the test
// finishes.
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	connstr, ok := os.LookupEnv(TestDatabaseEnvVar)
	if !ok {
		t.Skipf("%s not set", TestDatabaseEnvVar)
	}
	ctx := context.Background()
	db, err := New(ctx, logr.Discard(), connstr)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Pool.Exec(context.Background(), "TRUNCATE jobs, runners")
		db.Close()
	})
	return db
}
