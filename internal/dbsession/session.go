// Package dbsession implements the async database session (C1): one
// long-lived, non-pooled PostgreSQL connection driving at most one
// in-flight operation at a time. It is the sole primitive the rest of the
// dispatcher uses to talk to Postgres — the listener and every worker each
// own exactly one Session.
//
// The Python implementation this is modeled on hand-drives psycopg2's
// connection.poll() tri-state (OK / WANT_READ / WANT_WRITE) from a custom
// asyncio event loop, because psycopg2's async mode leaves socket I/O to
// the caller. pgx has no equivalent manual-poll mode: its blocking calls
// already multiplex over the Go runtime's netpoller and honor
// context.Context cancellation, which is the idiomatic Go substitute for
// that hand-rolled readiness loop — the suspension points are identical,
// only who drives them differs.
package dbsession

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

// State is the lifecycle of a Session, mirroring the state machine in the
// design this package implements: connecting, idle, executing,
// awaitingNotify, closed.
type State int

const (
	StateConnecting State = iota
	StateIdle
	StateExecuting
	StateAwaitingNotify
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateAwaitingNotify:
		return "awaiting-notify"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Notification is an immutable value received from Postgres NOTIFY.
type Notification struct {
	Channel string
	PID     int32
	Payload string
}

// Session wraps one dedicated *pgx.Conn. It is not safe for concurrent use
// by more than one caller at a time — that invariant is enforced by mu,
// which is held for the duration of exactly one operation (execute or
// drain) and never shared across goroutines by design. Connecting happens
// in New, before the Session is handed to anyone.
type Session struct {
	mu    sync.Mutex
	conn  *pgx.Conn
	state State
}

// New connects to Postgres and blocks until the connection is idle. The
// returned Session owns the connection exclusively; callers must Close it.
func New(ctx context.Context, connURI string) (*Session, error) {
	s := &Session{state: StateConnecting}

	conn, err := pgx.Connect(ctx, connURI)
	if err != nil {
		s.state = StateClosed
		return nil, driverErr("connect", err)
	}

	s.conn = conn
	s.state = StateIdle
	return s, nil
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Execute submits one statement and blocks until the server's response is
// fully consumed. With mode == RowCount it returns the affected-row count;
// with mode == FetchAll it materializes every row.
//
// A failed operation leaves the Session closed — the caller's session is
// no longer usable and the owning task (listener or worker) must treat
// this as fatal, per the error-handling policy: no component retries
// internally.
func (s *Session) Execute(ctx context.Context, sql string, args []any, mode ResultMode) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return Result{}, driverErr("execute", fmt.Errorf("session not idle (state=%s)", s.state))
	}
	s.state = StateExecuting

	if mode == FetchAll {
		rows, err := s.conn.Query(ctx, sql, args...)
		if err != nil {
			return s.fail("execute", err)
		}
		collected, err := pgx.CollectRows(rows, pgx.RowToMap)
		if err != nil {
			return s.fail("execute", err)
		}
		s.state = StateIdle
		return Result{Rows: collected}, nil
	}

	tag, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return s.fail("execute", err)
	}
	s.state = StateIdle
	return Result{RowCount: tag.RowsAffected()}, nil
}

// Listen issues LISTEN on the given channel after validating it is a legal
// bare SQL identifier. LISTEN accepts no bind parameters, so this
// validation is the only defense against injection through the channel
// name; a channel that fails it is rejected without ever reaching SQL.
func (s *Session) Listen(ctx context.Context, channel string) error {
	if err := validateChannel(channel); err != nil {
		return driverErr("listen", err)
	}
	_, err := s.Execute(ctx, "LISTEN "+channel, nil, RowCount)
	return err
}

// DrainNotifications blocks until at least one notification has arrived,
// then returns every notification currently buffered on the connection in
// FIFO arrival order. It never returns an empty slice on success.
func (s *Session) DrainNotifications(ctx context.Context) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return nil, driverErr("drain", fmt.Errorf("session not idle (state=%s)", s.state))
	}
	s.state = StateAwaitingNotify

	n, err := s.conn.WaitForNotification(ctx)
	if err != nil {
		_, _ = s.fail("drain", err)
		return nil, driverErr("drain", err)
	}
	out := []Notification{{Channel: n.Channel, PID: n.PID, Payload: n.Payload}}

	// Harvest anything else already buffered without blocking again,
	// so a burst delivered in one read syscall is returned as one
	// batch rather than one DrainNotifications call per notification.
	more, _, err := s.pollBuffered(ctx)
	if err != nil {
		_, _ = s.fail("drain", err)
		return nil, driverErr("drain", err)
	}
	out = append(out, more...)

	s.state = StateIdle
	return out, nil
}

// pollBuffered drains any notifications already queued on the connection
// without performing a blocking read. pgx has no public "poll-without-
// blocking" primitive, so a zero-timeout WaitForNotification stands in for
// it: it returns immediately with context.DeadlineExceeded once the
// socket has nothing left buffered.
func (s *Session) pollBuffered(ctx context.Context) ([]Notification, bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, 0)
	defer cancel()

	var out []Notification
	for {
		n, err := s.conn.WaitForNotification(pollCtx)
		if err != nil {
			return out, len(out) > 0, nil
		}
		out = append(out, Notification{Channel: n.Channel, PID: n.PID, Payload: n.Payload})
	}
}

// fail transitions the session to closed and wraps err as a DriverError.
// Call sites hold mu; fail does not release it.
func (s *Session) fail(op string, err error) (Result, error) {
	s.state = StateClosed
	_ = s.conn.Close(context.Background())
	return Result{}, driverErr(op, err)
}

// Close idempotently releases the connection. Safe to call more than once
// and safe to call on a session already closed by a failed operation.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	return s.conn.Close(ctx)
}
