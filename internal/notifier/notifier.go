// Package notifier implements the notification source (C2): a single
// dbsession.Session dedicated to LISTEN, fanning out received
// notifications onto a bounded work queue with a non-blocking offer and a
// visible drop counter when the queue is full.
package notifier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/erlorenz/pgdispatch/internal/dbsession"
	"github.com/erlorenz/pgdispatch/internal/obsmetrics"
	"github.com/erlorenz/pgdispatch/internal/queue"
)

// Channel is the well-known channel this dispatcher listens on.
const Channel = "task"

// closeGrace bounds how long closing the listener's session may take once
// Run is returning; the session is already being abandoned, so this only
// protects against a wedged Close.
const closeGrace = 5 * time.Second

// Item is one unit of work handed to a worker. It carries a received
// notification's fields plus a correlation ID, kept as its own type so the
// queue's element type can evolve independently of dbsession.Notification.
type Item struct {
	ID      uuid.UUID
	Channel string
	PID     int32
	Payload string
}

// Source owns the listener Session and publishes received notifications
// onto q. Run blocks until ctx is canceled or the session fails.
type Source struct {
	session *dbsession.Session
	queue   *queue.Queue[Item]
	metrics *obsmetrics.Metrics
	log     *slog.Logger
}

// New wraps an already-connected listener Session. The caller retains
// ownership of the session's lifetime up to Run returning, at which point
// Run closes it.
func New(session *dbsession.Session, q *queue.Queue[Item], metrics *obsmetrics.Metrics, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{session: session, queue: q, metrics: metrics, log: log.With("component", "notifier")}
}

// Run issues LISTEN and then loops draining notifications and offering
// them to the queue until ctx is canceled. On return — for any reason —
// the listener session is closed via scoped release.
func (s *Source) Run(ctx context.Context) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeGrace)
		defer cancel()
		if err := s.session.Close(closeCtx); err != nil {
			s.log.Warn("error closing listener session", "error", err)
		}
	}()

	if err := s.session.Listen(ctx, Channel); err != nil {
		return err
	}
	s.log.Info("listening", "channel", Channel)

	for {
		notifications, err := s.session.DrainNotifications(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				s.log.Info("listener canceled")
				return nil
			}
			s.log.Error("drain notifications failed", "error", err)
			return err
		}

		for _, n := range notifications {
			item := Item{ID: uuid.New(), Channel: n.Channel, PID: n.PID, Payload: n.Payload}
			if s.queue.Offer(item) {
				if s.metrics != nil {
					s.metrics.NotificationsReceived.Inc()
				}
				continue
			}
			s.log.Warn("work queue full, dropping notification",
				"notification_id", item.ID, "payload", item.Payload)
			if s.metrics != nil {
				s.metrics.NotificationsDropped.Inc()
			}
		}
	}
}
