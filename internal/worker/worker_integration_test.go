package worker_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/erlorenz/pgdispatch/internal/dbsession"
	"github.com/erlorenz/pgdispatch/internal/notifier"
	"github.com/erlorenz/pgdispatch/internal/queue"
	"github.com/erlorenz/pgdispatch/internal/testutil"
	"github.com/erlorenz/pgdispatch/internal/worker"
)

func TestWorkerProcessesQueuedItems(t *testing.T) {
	connStr := testutil.ConnString(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := dbsession.New(ctx, connStr)
	require.NoError(t, err)

	q := queue.New[notifier.Item](4)
	w := worker.New(worker.Config{ID: 1, Statement: "SELECT 1"}, session, q, nil, slog.Default())

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	require.True(t, q.Offer(notifier.Item{ID: uuid.New(), Channel: notifier.Channel, Payload: "a"}))
	require.True(t, q.Offer(notifier.Item{ID: uuid.New(), Channel: notifier.Channel, Payload: "b"}))

	require.Eventually(t, func() bool {
		return q.Len() == 0
	}, 3*time.Second, 20*time.Millisecond, "worker must drain both queued items")

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker.Run did not return after cancellation")
	}
	require.Equal(t, dbsession.StateClosed, session.State())
}

func TestWorkerExitsWhenQueueClosed(t *testing.T) {
	connStr := testutil.ConnString(t)
	ctx := context.Background()

	session, err := dbsession.New(ctx, connStr)
	require.NoError(t, err)

	q := queue.New[notifier.Item](2)
	w := worker.New(worker.Config{ID: 1, Statement: "SELECT 1"}, session, q, nil, slog.Default())

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	q.Close()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker.Run did not return after queue close")
	}
}
