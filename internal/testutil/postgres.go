// Package testutil provides a shared PostgreSQL testcontainer for
// integration tests that need a real LISTEN/NOTIFY-capable connection.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// ConnString returns a libpq connection string to a shared PostgreSQL
// instance, starting a testcontainer once per package run on first use.
func ConnString(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	containerOnce.Do(func() {
		t.Log("starting shared PostgreSQL testcontainer")
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("pgdispatch"),
			postgres.WithUsername("pgdispatch"),
			postgres.WithPassword("pgdispatch"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to set up shared postgres container")
	return sharedConnStr
}

// Channel returns a unique LISTEN/NOTIFY channel name derived from the
// running test, so parallel tests sharing one container never cross-talk.
// The name is lower-case, matching how Postgres folds the unquoted
// identifier in LISTEN/NOTIFY and reports it back in notifications.
func Channel(t *testing.T) string {
	t.Helper()
	name := "t"
	for _, r := range t.Name() {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			name += string(r)
		case r >= 'A' && r <= 'Z':
			name += string(r - 'A' + 'a')
		default:
			name += "_"
		}
	}
	if len(name) > 40 {
		name = name[:40]
	}
	return name
}
