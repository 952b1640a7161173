package notifier_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/erlorenz/pgdispatch/internal/dbsession"
	"github.com/erlorenz/pgdispatch/internal/notifier"
	"github.com/erlorenz/pgdispatch/internal/queue"
	"github.com/erlorenz/pgdispatch/internal/testutil"
)

func TestSourcePublishesNotificationsToQueue(t *testing.T) {
	connStr := testutil.ConnString(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := dbsession.New(ctx, connStr)
	require.NoError(t, err)

	q := queue.New[notifier.Item](8)
	src := notifier.New(session, q, nil, slog.Default())

	runErr := make(chan error, 1)
	go func() { runErr <- src.Run(ctx) }()

	notifyConn, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = notifyConn.Close(context.Background()) })

	require.Eventually(t, func() bool {
		_, err := notifyConn.Exec(context.Background(), "NOTIFY "+notifier.Channel+", 'payload-1'")
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)

	takeCtx, takeCancel := context.WithTimeout(ctx, 5*time.Second)
	defer takeCancel()
	item, ok, err := q.Take(takeCtx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "payload-1", item.Payload)
	require.Equal(t, notifier.Channel, item.Channel)
	require.NotEmpty(t, item.ID)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Source.Run did not return after context cancellation")
	}
}

func TestSourceDropsWhenQueueFull(t *testing.T) {
	connStr := testutil.ConnString(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := dbsession.New(ctx, connStr)
	require.NoError(t, err)

	q := queue.New[notifier.Item](1)
	src := notifier.New(session, q, nil, slog.Default())

	runErr := make(chan error, 1)
	go func() { runErr <- src.Run(ctx) }()

	notifyConn, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = notifyConn.Close(context.Background()) })

	require.Eventually(t, func() bool {
		tx, err := notifyConn.Begin(context.Background())
		if err != nil {
			return false
		}
		for i := 0; i < 5; i++ {
			if _, err := tx.Exec(context.Background(), "NOTIFY "+notifier.Channel+", 'flood'"); err != nil {
				return false
			}
		}
		return tx.Commit(context.Background()) == nil
	}, 2*time.Second, 50*time.Millisecond)

	takeCtx, takeCancel := context.WithTimeout(ctx, 5*time.Second)
	defer takeCancel()
	_, ok, err := q.Take(takeCtx)
	require.NoError(t, err)
	require.True(t, ok, "at least one of the flooded notifications must have been queued")

	cancel()
	<-runErr
}
