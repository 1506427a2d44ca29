package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-job/queue/worker"

	"github.com/goliatone/go-payhooks/alerts"
	"github.com/goliatone/go-payhooks/core"
)

// JobFunc executes one job message.
type JobFunc func(ctx context.Context, msg *core.JobExecutionMessage) error

// Runner pulls job messages and routes them by JobID.
type Runner struct {
	dequeuer   core.JobDequeuer
	hook       worker.Hook
	observer   core.Observer
	retryDelay time.Duration

	mu       sync.RWMutex
	handlers map[string]JobFunc
}

type RunnerOption func(*Runner)

// WithRunnerHook reports runs as go-job worker events. Wrap a payhooks hook
// with NewWorkerHook.
func WithRunnerHook(hook worker.Hook) RunnerOption {
	return func(r *Runner) {
		r.hook = hook
	}
}

func WithRunnerObserver(observer core.Observer) RunnerOption {
	return func(r *Runner) {
		r.observer = observer
	}
}

func WithRetryDelay(delay time.Duration) RunnerOption {
	return func(r *Runner) {
		if delay >= 0 {
			r.retryDelay = delay
		}
	}
}

func NewRunner(dequeuer core.JobDequeuer, opts ...RunnerOption) *Runner {
	runner := &Runner{
		dequeuer:   dequeuer,
		observer:   core.NewObserver(nil, nil),
		retryDelay: 5 * time.Second,
		handlers:   map[string]JobFunc{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	return runner
}

func (r *Runner) Handle(jobID string, fn JobFunc) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("gojob: job id is required")
	}
	if fn == nil {
		return fmt.Errorf("gojob: job handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobID]; exists {
		return fmt.Errorf("gojob: job %q already registered", jobID)
	}
	r.handlers[jobID] = fn
	return nil
}

// RunOnce processes a single delivery. Unknown jobs are dead-lettered;
// failures are requeued under the delivery's retry policy.
func (r *Runner) RunOnce(ctx context.Context) error {
	if r == nil || r.dequeuer == nil {
		return fmt.Errorf("gojob: runner is not configured")
	}
	delivery, err := r.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	msg := delivery.Message()
	if msg == nil {
		return delivery.Ack(ctx)
	}

	r.mu.RLock()
	fn, ok := r.handlers[msg.JobID]
	r.mu.RUnlock()
	fields := map[string]any{"job_id": msg.JobID, "idempotency_key": msg.IdempotencyKey}
	if !ok {
		r.observer.Error(ctx, "payhooks: no handler for job", fields)
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: "unknown job"})
	}

	startedAt := time.Now().UTC()
	event := worker.Event{Message: toExecutionMessage(msg), Attempt: attemptOf(msg.Parameters), StartedAt: startedAt}
	fields["attempt"] = event.Attempt
	r.onStart(ctx, event)
	runErr := fn(ctx, msg)
	event.Duration = time.Since(startedAt)
	if runErr == nil {
		r.onSuccess(ctx, event)
		return delivery.Ack(ctx)
	}

	event.Err = runErr
	fields["error"] = runErr.Error()
	if core.IsBusiness(runErr) || exhausted(delivery) {
		r.onFailure(ctx, event)
		r.observer.Error(ctx, "payhooks: job failed permanently", fields)
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: runErr.Error()})
	}
	event.Delay = r.retryDelay
	r.onRetry(ctx, event)
	r.observer.Warn(ctx, "payhooks: job failed, requeued", fields)
	return delivery.Nack(ctx, core.JobNackOptions{Delay: r.retryDelay, Requeue: true, Reason: runErr.Error()})
}

// exhausted reports whether the delivery has used its last attempt.
func exhausted(delivery core.JobDelivery) bool {
	budget, ok := delivery.(interface{ Exhausted() bool })
	return ok && budget.Exhausted()
}

// Run drains deliveries until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			r.observer.Warn(ctx, "payhooks: job runner iteration failed", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.retryDelay):
			}
		}
	}
}

func (r *Runner) onStart(ctx context.Context, event worker.Event) {
	if r.hook != nil {
		r.hook.OnStart(ctx, event)
	}
}

func (r *Runner) onSuccess(ctx context.Context, event worker.Event) {
	if r.hook != nil {
		r.hook.OnSuccess(ctx, event)
	}
}

func (r *Runner) onFailure(ctx context.Context, event worker.Event) {
	if r.hook != nil {
		r.hook.OnFailure(ctx, event)
	}
}

func (r *Runner) onRetry(ctx context.Context, event worker.Event) {
	if r.hook != nil {
		r.hook.OnRetry(ctx, event)
	}
}

type AlertDispatcher interface {
	DispatchPending(ctx context.Context, batchSize int) (alerts.DispatchStats, error)
}

type StuckSweeper interface {
	Sweep(ctx context.Context, limit int) (core.SweepResult, error)
}

// AlertDispatchJob drains the alert outbox when an escalation schedules it.
func AlertDispatchJob(dispatcher AlertDispatcher) JobFunc {
	return func(ctx context.Context, msg *core.JobExecutionMessage) error {
		if dispatcher == nil {
			return core.InternalError("gojob: alert dispatcher is required", nil)
		}
		_, err := dispatcher.DispatchPending(ctx, intParameter(msg, "batch_size"))
		return err
	}
}

func StuckSweepJob(sweeper StuckSweeper) JobFunc {
	return func(ctx context.Context, msg *core.JobExecutionMessage) error {
		if sweeper == nil {
			return core.InternalError("gojob: stuck sweeper is required", nil)
		}
		_, err := sweeper.Sweep(ctx, intParameter(msg, "limit"))
		return err
	}
}

func intParameter(msg *core.JobExecutionMessage, key string) int {
	if msg == nil {
		return 0
	}
	return intValue(msg.Parameters[key])
}
