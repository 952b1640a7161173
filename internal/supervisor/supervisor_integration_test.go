package supervisor_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/erlorenz/pgdispatch/internal/appconfig"
	"github.com/erlorenz/pgdispatch/internal/notifier"
	"github.com/erlorenz/pgdispatch/internal/supervisor"
	"github.com/erlorenz/pgdispatch/internal/testutil"
)

func testConfig(t *testing.T, workers int) appconfig.Config {
	return appconfig.Config{
		PGURI:         testutil.ConnString(t),
		Workers:       workers,
		QueueCapacity: workers,
		MetricsAddr:   "127.0.0.1:0",
		ShutdownGrace: 3 * time.Second,
	}
}

func TestSupervisorProcessesNotifications(t *testing.T) {
	cfg := testConfig(t, 1)
	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	sv := supervisor.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- sv.Run(ctx) }()

	notifyConn, err := pgx.Connect(context.Background(), cfg.PGURI)
	require.NoError(t, err)
	t.Cleanup(func() { _ = notifyConn.Close(context.Background()) })

	require.Eventually(t, func() bool {
		_, err := notifyConn.Exec(context.Background(), "NOTIFY "+notifier.Channel+", 'work-item'")
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)

	time.Sleep(200 * time.Millisecond)

	cancel()
	select {
	case code := <-done:
		require.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not shut down after context cancellation")
	}
}

func TestSupervisorGracefulShutdownOnContextCancel(t *testing.T) {
	cfg := testConfig(t, 2)
	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	sv := supervisor.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- sv.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case code := <-done:
		require.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not shut down within the grace period")
	}
}

func TestSupervisorExitsWithDriverErrorOnBadConnectionString(t *testing.T) {
	cfg := appconfig.Config{
		PGURI:         "postgres://invalid-host-does-not-exist:5432/db",
		Workers:       1,
		QueueCapacity: 1,
		MetricsAddr:   "127.0.0.1:0",
		ShutdownGrace: time.Second,
	}
	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	sv := supervisor.New(cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	code := sv.Run(ctx)
	require.Equal(t, supervisor.ExitDriverError, code)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
