// Package worker implements the worker (C4): a single-flight actor that
// owns one dbsession.Session, takes items off the shared queue, and runs
// one database operation per item serially on its own connection.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/erlorenz/pgdispatch/internal/dbsession"
	"github.com/erlorenz/pgdispatch/internal/notifier"
	"github.com/erlorenz/pgdispatch/internal/obsmetrics"
	"github.com/erlorenz/pgdispatch/internal/queue"
)

// DefaultStatement is the placeholder per-item operation the spec
// mandates: a five-second server-side sleep that stands in for real
// business work without implying any particular schema.
const DefaultStatement = "SELECT pg_sleep(5)"

// Config configures a Worker. Statement defaults to DefaultStatement; a
// real deployment overrides it with its business statement without
// touching the dispatch loop.
type Config struct {
	ID        int
	Statement string
}

// Worker owns one Session and processes items from q until canceled.
type Worker struct {
	id        int
	statement string
	session   *dbsession.Session
	queue     *queue.Queue[notifier.Item]
	metrics   *obsmetrics.Metrics
	log       *slog.Logger
}

// New wraps an already-connected worker Session.
func New(cfg Config, session *dbsession.Session, q *queue.Queue[notifier.Item], metrics *obsmetrics.Metrics, log *slog.Logger) *Worker {
	stmt := cfg.Statement
	if stmt == "" {
		stmt = DefaultStatement
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		id:        cfg.ID,
		statement: stmt,
		session:   session,
		queue:     q,
		metrics:   metrics,
		log:       log.With("component", "worker", "worker_id", cfg.ID),
	}
}

// Run loops taking items and executing the configured statement against
// this worker's own session until ctx is canceled. On any exit path the
// session is closed. Canceling ctx mid-flight makes the in-progress
// Execute fail through pgx's context handling, which leaves the session
// closed; Run then returns nil.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeGrace)
		defer cancel()
		if err := w.session.Close(closeCtx); err != nil {
			w.log.Warn("error closing worker session", "error", err)
		}
	}()

	for {
		item, ok, err := w.queue.Take(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				w.log.Info("worker canceled")
				return nil
			}
			return err
		}
		if !ok {
			w.log.Info("queue closed, worker exiting")
			return nil
		}

		if err := w.process(ctx, item); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			w.log.Error("item processing failed", "notification_id", item.ID, "error", err)
			return err
		}
	}
}

// process executes the configured statement for a single item, fetching
// its result set rather than just a row count — the spec's own example,
// `pg_sleep(5)`, is called with want_rows=true, and a business statement
// substituted via Config.Statement is just as likely to return rows a
// caller needs as an affected-row count.
func (w *Worker) process(ctx context.Context, item notifier.Item) error {
	start := time.Now()
	_, err := w.session.Execute(ctx, w.statement, nil, dbsession.FetchAll)
	if err != nil {
		if w.metrics != nil {
			w.metrics.DriverErrors.Inc()
		}
		return fmt.Errorf("worker %d: process %s: %w", w.id, item.ID, err)
	}

	if w.metrics != nil {
		w.metrics.ItemsProcessed.Inc()
		w.metrics.ItemDuration.Observe(time.Since(start).Seconds())
	}
	w.log.Info("item processed", "notification_id", item.ID, "payload", item.Payload, "duration", time.Since(start))
	return nil
}

// closeGrace bounds how long closing this worker's session may take once
// Run is returning.
const closeGrace = 5 * time.Second
