// Package supervisor implements C5: it constructs and wires the listener
// and worker sessions, the work queue, and the metrics server, installs
// signal handlers for graceful shutdown, and runs until every task has
// reached a terminal state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/erlorenz/pgdispatch/internal/appconfig"
	"github.com/erlorenz/pgdispatch/internal/dbsession"
	"github.com/erlorenz/pgdispatch/internal/notifier"
	"github.com/erlorenz/pgdispatch/internal/obsmetrics"
	"github.com/erlorenz/pgdispatch/internal/queue"
	"github.com/erlorenz/pgdispatch/internal/worker"
)

// ExitDriverError is the process exit code for an unrecoverable driver
// error during runtime, per the spec's exit-code table.
const ExitDriverError = 2

// Supervisor owns the dispatcher's whole task graph.
type Supervisor struct {
	cfg     appconfig.Config
	log     *slog.Logger
	queue   *queue.Queue[notifier.Item]
	metrics *obsmetrics.Metrics
	msrv    *obsmetrics.Server

	shuttingDown bool
	mu           sync.Mutex
}

// New builds a Supervisor from validated configuration. It does not open
// any database connection yet — that happens in Run, so construction
// never blocks on the network.
func New(cfg appconfig.Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	q := queue.New[notifier.Item](cfg.QueueCapacity)

	reg := prometheus.NewRegistry()
	metrics := obsmetrics.New(reg, func() float64 { return float64(q.Len()) })

	return &Supervisor{
		cfg:     cfg,
		log:     log,
		queue:   q,
		metrics: metrics,
		msrv:    obsmetrics.NewServer(cfg.MetricsAddr, reg),
	}
}

// Run connects the listener and every worker session, spawns them as peer
// cooperative tasks, installs SIGINT/SIGTERM handling, and blocks until
// every task has reached a terminal state. It returns the process exit
// code described in the spec's external-interfaces table.
func (sv *Supervisor) Run(ctx context.Context) int {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sv.log.Info("starting metrics server", "addr", sv.cfg.MetricsAddr)
	metricsErrCh := sv.msrv.Start()

	var openSessions []*dbsession.Session
	closeOpenSessions := func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), sv.cfg.ShutdownGrace)
		defer closeCancel()
		for _, s := range openSessions {
			_ = s.Close(closeCtx)
			sv.metrics.ActiveSessions.Dec()
		}
	}

	listenerSession, err := dbsession.New(runCtx, sv.cfg.PGURI)
	if err != nil {
		sv.log.Error("failed to open listener session", "error", err)
		return ExitDriverError
	}
	openSessions = append(openSessions, listenerSession)
	sv.metrics.ActiveSessions.Inc()
	source := notifier.New(listenerSession, sv.queue, sv.metrics, sv.log)

	workers := make([]*worker.Worker, 0, sv.cfg.Workers)
	for i := 1; i <= sv.cfg.Workers; i++ {
		session, err := dbsession.New(runCtx, sv.cfg.PGURI)
		if err != nil {
			sv.log.Error("failed to open worker session", "worker_id", i, "error", err)
			closeOpenSessions()
			return ExitDriverError
		}
		openSessions = append(openSessions, session)
		sv.metrics.ActiveSessions.Inc()
		workers = append(workers, worker.New(worker.Config{ID: i}, session, sv.queue, sv.metrics, sv.log))
	}

	var wg sync.WaitGroup
	taskErrs := make(chan error, 1+len(workers))

	// listenerDone is closed once the listener's Run has returned — the
	// only signal that tells us it has stopped calling queue.Offer, which
	// Queue.Close requires before it's safe to call.
	listenerDone := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(listenerDone)
		defer sv.metrics.ActiveSessions.Dec()
		if err := source.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			taskErrs <- fmt.Errorf("listener: %w", err)
			return
		}
		taskErrs <- nil
	}()

	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			defer sv.metrics.ActiveSessions.Dec()
			if err := w.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				taskErrs <- fmt.Errorf("worker: %w", err)
				return
			}
			taskErrs <- nil
		}(w)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	exitCode := 0
	select {
	case sig := <-sigCh:
		sv.log.Info("received signal, starting graceful shutdown", "signal", sig.String())
		exitCode = sv.shutdown(cancel, sigCh, listenerDone, allDone)
	case err := <-taskErrs:
		if err != nil {
			sv.log.Error("task failed, initiating shutdown", "error", err)
			exitCode = ExitDriverError
		}
		cancel()
		sv.closeQueueAfterListener(listenerDone)
		<-allDone
	case <-ctx.Done():
		cancel()
		sv.closeQueueAfterListener(listenerDone)
		<-allDone
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), sv.cfg.ShutdownGrace)
	defer stopCancel()
	if err := sv.msrv.Stop(stopCtx); err != nil {
		sv.log.Warn("error stopping metrics server", "error", err)
	}
	select {
	case err := <-metricsErrCh:
		if err != nil {
			sv.log.Warn("metrics server exited with error", "error", err)
		}
	default:
	}

	return exitCode
}

// shutdown cancels every task, gives them the configured grace deadline to
// reach a terminal state, and escalates to immediate process exit on a
// second signal — cancellation does not require the listener to stop
// before workers; each task closes its own session independently. The
// queue itself is only closed once the listener, its sole producer, has
// actually returned.
func (sv *Supervisor) shutdown(cancel context.CancelFunc, sigCh <-chan os.Signal, listenerDone, allDone <-chan struct{}) int {
	sv.mu.Lock()
	sv.shuttingDown = true
	sv.mu.Unlock()

	cancel()

	queueClosed := make(chan struct{})
	go func() {
		sv.closeQueueAfterListener(listenerDone)
		close(queueClosed)
	}()

	grace, graceCancel := context.WithTimeout(context.Background(), sv.cfg.ShutdownGrace)
	defer graceCancel()

	select {
	case <-allDone:
		<-queueClosed
		sv.log.Info("all tasks exited cleanly")
		return 0
	case sig := <-sigCh:
		sv.log.Warn("received second signal, forcing immediate exit", "signal", sig.String())
		os.Exit(1)
		return 1 // unreachable
	case <-grace.Done():
		sv.log.Warn("shutdown grace deadline exceeded, exiting anyway")
		return 0
	}
}

// closeQueueAfterListener waits for the listener task to stop offering
// before closing the queue, per Queue.Close's precondition. It bounds the
// wait to the configured shutdown grace so a wedged listener can't stall
// shutdown forever.
func (sv *Supervisor) closeQueueAfterListener(listenerDone <-chan struct{}) {
	select {
	case <-listenerDone:
	case <-time.After(sv.cfg.ShutdownGrace):
		sv.log.Warn("listener did not stop within grace period, closing queue anyway")
	}
	sv.queue.Close()
}
