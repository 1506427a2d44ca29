package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// EventStore is the single coordination point between concurrent workers.
// InsertIfAbsent and Transition must be atomic for callers sharing a key.
type EventStore interface {
	Find(ctx context.Context, source string, externalEventID string) (InboundEvent, bool, error)
	InsertIfAbsent(ctx context.Context, in NewInboundEvent) (InboundEvent, bool, error)
	Transition(ctx context.Context, in TransitionInput) (InboundEvent, bool, error)
	ListStuck(ctx context.Context, startedBefore time.Time, limit int) ([]InboundEvent, error)
	ListFailed(ctx context.Context, filter FailedEventFilter) ([]InboundEvent, error)
}

type Handler interface {
	Handle(ctx context.Context, envelope Envelope) (DispatchResult, error)
}

type HandlerFunc func(ctx context.Context, envelope Envelope) (DispatchResult, error)

func (f HandlerFunc) Handle(ctx context.Context, envelope Envelope) (DispatchResult, error) {
	return f(ctx, envelope)
}

type HandlerResolver interface {
	Resolve(eventType string) (Handler, bool)
}

type Verifier interface {
	Verify(ctx context.Context, req InboundRequest) error
}

type AccountDirectory interface {
	FindByExternalAccountID(ctx context.Context, externalAccountID string) (ConnectedAccount, bool, error)
	UpdateStatus(ctx context.Context, account ConnectedAccount, update AccountStatusUpdate) (ConnectedAccount, error)
	RecordPayout(ctx context.Context, account ConnectedAccount, payout PayoutRecord) error
	// IncrementFailureCount atomically bumps the counter for kind and returns
	// the new value. applied is false when the reference was already counted.
	IncrementFailureCount(ctx context.Context, account ConnectedAccount, increment FailureIncrement) (count int, applied bool, err error)
}

// AccountCacheInvalidator is implemented by directories that cache lookups.
type AccountCacheInvalidator interface {
	Invalidate(ctx context.Context, externalAccountID string) error
}

// AccountStatusSource reads the current account status from the processor.
type AccountStatusSource interface {
	FetchAccountStatus(ctx context.Context, externalAccountID string) (AccountStatusUpdate, error)
}

type Notifier interface {
	Notify(ctx context.Context, account ConnectedAccount, notification Notification) error
}

type CriticalAlerter interface {
	Escalate(ctx context.Context, alert CriticalAlert) error
}

// AlertOutbox durably queues critical alerts until a sink accepts them.
// Enqueue is idempotent on alert ID; created is false for a repeat.
type AlertOutbox interface {
	Enqueue(ctx context.Context, alert CriticalAlert) (created bool, err error)
	ClaimBatch(ctx context.Context, limit int) ([]CriticalAlert, error)
	Ack(ctx context.Context, alertID string) error
	// Retry schedules another attempt. A zero nextAttemptAt marks the alert dead.
	Retry(ctx context.Context, alertID string, cause error, nextAttemptAt time.Time) error
}

// AlertSink delivers a claimed alert to operators.
type AlertSink interface {
	Deliver(ctx context.Context, alert CriticalAlert) error
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

const (
	JobIDAlertDispatch = "payhooks.alerts.dispatch"
	JobIDStuckSweep    = "payhooks.events.sweep_stuck"
)
