package gojob

import (
	"context"

	"github.com/goliatone/go-job/queue/worker"

	"github.com/goliatone/go-payhooks/core"
)

// WorkerHook forwards go-job worker events to a payhooks job hook.
type WorkerHook struct {
	hook core.JobWorkerHook
}

func NewWorkerHook(hook core.JobWorkerHook) *WorkerHook {
	return &WorkerHook{hook: hook}
}

func (h *WorkerHook) OnStart(ctx context.Context, event worker.Event) {
	if h != nil && h.hook != nil {
		h.hook.OnStart(ctx, fromWorkerEvent(event))
	}
}

func (h *WorkerHook) OnSuccess(ctx context.Context, event worker.Event) {
	if h != nil && h.hook != nil {
		h.hook.OnSuccess(ctx, fromWorkerEvent(event))
	}
}

func (h *WorkerHook) OnFailure(ctx context.Context, event worker.Event) {
	if h != nil && h.hook != nil {
		h.hook.OnFailure(ctx, fromWorkerEvent(event))
	}
}

func (h *WorkerHook) OnRetry(ctx context.Context, event worker.Event) {
	if h != nil && h.hook != nil {
		h.hook.OnRetry(ctx, fromWorkerEvent(event))
	}
}

func fromWorkerEvent(event worker.Event) core.JobWorkerEvent {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	return core.JobWorkerEvent{
		Message:   fromExecutionMessage(message),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
}

// MetricsHook counts job outcomes and times each run.
type MetricsHook struct {
	observer core.Observer
}

func NewMetricsHook(observer core.Observer) *MetricsHook {
	return &MetricsHook{observer: observer}
}

func (h *MetricsHook) OnStart(context.Context, core.JobWorkerEvent) {}

func (h *MetricsHook) OnSuccess(ctx context.Context, event core.JobWorkerEvent) {
	h.record(ctx, event, "succeeded")
}

func (h *MetricsHook) OnFailure(ctx context.Context, event core.JobWorkerEvent) {
	h.record(ctx, event, "dead_lettered")
}

func (h *MetricsHook) OnRetry(ctx context.Context, event core.JobWorkerEvent) {
	h.record(ctx, event, "requeued")
}

func (h *MetricsHook) record(ctx context.Context, event core.JobWorkerEvent, outcome string) {
	if h == nil {
		return
	}
	jobID := ""
	if event.Message != nil {
		jobID = event.Message.JobID
	}
	tags := map[string]string{"job_id": jobID, "outcome": outcome}
	h.observer.Count(ctx, core.MetricJobRuns, tags)
	h.observer.Observe(ctx, core.MetricJobSeconds, event.Duration.Seconds(), map[string]string{"job_id": jobID})
}

var (
	_ worker.Hook        = (*WorkerHook)(nil)
	_ core.JobWorkerHook = (*MetricsHook)(nil)
)
