// Package worker runs the background execution loop: it pulls work items
// from the broker, drives each task through running to a terminal state,
// and calls the inference provider in between. No database transaction is
// ever held across the provider call.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/taskorch/taskorch/dispatch"
	"github.com/taskorch/taskorch/task"
)

// Marker is the slice of the orchestrator service the worker drives.
type Marker interface {
	MarkRunning(ctx context.Context, taskID uuid.UUID, dispatchID, workerID string) (*task.Task, error)
	MarkCompleted(ctx context.Context, taskID uuid.UUID, dispatchID, output string, usage task.Usage) (*task.Task, error)
	MarkFailed(ctx context.Context, taskID uuid.UUID, dispatchID, errMessage, errType string) (*task.Task, error)
}

// Revocations answers whether a dispatch has been revoked by a user
// cancellation.
type Revocations interface {
	Revoked(ctx context.Context, dispatchID string) (bool, error)
}

// Worker consumes the work stream with a fixed number of goroutines.
type Worker struct {
	consumer    jetstream.Consumer
	registry    *Registry
	revocations Revocations
	workerID    string
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithConcurrency sets the number of concurrent fetch loops.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithWorkerID overrides the generated worker identifier.
func WithWorkerID(id string) Option {
	return func(w *Worker) {
		w.workerID = id
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// New creates a worker over a durable pull consumer.
func New(consumer jetstream.Consumer, registry *Registry, revocations Revocations, opts ...Option) *Worker {
	hostname, _ := os.Hostname()
	w := &Worker{
		consumer:    consumer,
		registry:    registry,
		revocations: revocations,
		workerID:    fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		concurrency: 4,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WorkerID returns the identifier recorded on attempts this worker runs.
func (w *Worker) WorkerID() string {
	return w.workerID
}

// Run consumes until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Worker started",
		"worker_id", w.workerID,
		"concurrency", w.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consumeLoop(ctx)
		}()
	}
	wg.Wait()

	w.logger.Info("Worker stopped", "worker_id", w.workerID)
}

// consumeLoop continuously fetches messages from the JetStream consumer.
func (w *Worker) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := w.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			w.handleMessage(ctx, msg)
		}

		if msgs.Error() != nil && !errors.Is(msgs.Error(), context.DeadlineExceeded) {
			w.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleMessage decodes one work item and routes it through the registry.
func (w *Worker) handleMessage(ctx context.Context, msg jetstream.Msg) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			w.logger.Warn("Failed to NAK message during shutdown", "error", err)
		}
		return
	}

	item, err := dispatch.UnmarshalItem(msg.Data())
	if err != nil {
		// Malformed payloads can never succeed; drop them.
		w.logger.Error("Dropping malformed work item", "error", err)
		if err := msg.Term(); err != nil {
			w.logger.Warn("Failed to terminate message", "error", err)
		}
		return
	}

	// Honour the scheduled earliest-run time by handing the message back
	// with a delay instead of sleeping on it.
	if delay := etaDelay(item, w.now()); delay > 0 {
		w.logger.Debug("Work item not due yet",
			"task_id", item.TaskID,
			"dispatch_id", item.DispatchID,
			"delay", delay)
		if err := msg.NakWithDelay(delay); err != nil {
			w.logger.Warn("Failed to delay message", "error", err)
		}
		return
	}

	revoked, err := w.revocations.Revoked(ctx, item.DispatchID)
	if err != nil {
		w.logger.Warn("Revocation check failed", "dispatch_id", item.DispatchID, "error", err)
	}
	if revoked {
		// The cancellation already wrote the terminal state.
		w.logger.Info("Skipping revoked work item",
			"task_id", item.TaskID,
			"dispatch_id", item.DispatchID)
		w.ack(msg)
		return
	}

	handler, ok := w.registry.Resolve(item.TaskName)
	if !ok {
		w.logger.Error("No handler registered for task name", "task_name", item.TaskName)
		if err := msg.Term(); err != nil {
			w.logger.Warn("Failed to terminate message", "error", err)
		}
		return
	}

	if err := handler(ctx, item); err != nil {
		// Infrastructure failure before any terminal state was written;
		// let the broker redeliver.
		w.logger.Error("Work item failed, requesting redelivery",
			"task_id", item.TaskID,
			"dispatch_id", item.DispatchID,
			"error", err)
		if err := msg.Nak(); err != nil {
			w.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	w.ack(msg)
}

func (w *Worker) ack(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		w.logger.Warn("Failed to ACK message", "error", err)
	}
}

// etaDelay reports how long a work item must still wait before running.
func etaDelay(item dispatch.Item, now time.Time) time.Duration {
	if item.ETA == nil {
		return 0
	}
	delay := item.ETA.Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}
