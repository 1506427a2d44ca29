package alerts

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-payhooks/core"
)

// Escalator implements core.CriticalAlerter on top of an outbox. When a job
// enqueuer is configured a dispatch job is requested after each new alert so
// delivery does not wait for the next poll.
type Escalator struct {
	outbox   core.AlertOutbox
	jobs     core.JobEnqueuer
	observer core.Observer
}

type EscalatorOption func(*Escalator)

func WithDispatchJobs(jobs core.JobEnqueuer) EscalatorOption {
	return func(e *Escalator) {
		e.jobs = jobs
	}
}

func WithEscalatorObserver(observer core.Observer) EscalatorOption {
	return func(e *Escalator) {
		e.observer = observer
	}
}

func NewEscalator(outbox core.AlertOutbox, opts ...EscalatorOption) (*Escalator, error) {
	if outbox == nil {
		return nil, fmt.Errorf("alerts: outbox is required")
	}
	escalator := &Escalator{outbox: outbox, observer: core.NewObserver(nil, nil)}
	for _, opt := range opts {
		if opt != nil {
			opt(escalator)
		}
	}
	return escalator, nil
}

func (e *Escalator) Escalate(ctx context.Context, alert core.CriticalAlert) error {
	if e == nil || e.outbox == nil {
		return fmt.Errorf("alerts: escalator is not configured")
	}
	if strings.TrimSpace(alert.ID) == "" {
		alert.ID = core.AlertID(alert.Kind, core.EventKey{Source: alert.Source, ExternalEventID: alert.ExternalEventID})
	}
	alert.Payload = core.RedactSensitiveMap(alert.Payload)

	fields := alertFields(alert)
	created, err := e.outbox.Enqueue(ctx, alert)
	if err != nil {
		fields["error"] = err.Error()
		e.observer.Error(ctx, "payhooks: critical alert could not be queued", fields)
		return core.TransientError(err, "alerts: enqueue critical alert")
	}
	if !created {
		e.observer.Debug(ctx, "payhooks: critical alert already queued", fields)
		return nil
	}
	e.observer.Count(ctx, core.MetricAlertsEnqueued, map[string]string{"kind": alert.Kind})
	e.observer.Warn(ctx, "payhooks: critical alert queued", fields)

	if e.jobs != nil {
		if err := e.jobs.Enqueue(ctx, &core.JobExecutionMessage{
			JobID:          core.JobIDAlertDispatch,
			Parameters:     map[string]any{"alert_id": alert.ID},
			IdempotencyKey: core.JobIDAlertDispatch + ":" + alert.ID,
		}); err != nil {
			// The poller still picks the alert up.
			fields["error"] = err.Error()
			e.observer.Warn(ctx, "payhooks: alert dispatch job not scheduled", fields)
		}
	}
	return nil
}

func alertFields(alert core.CriticalAlert) map[string]any {
	fields := map[string]any{
		"alert_id": alert.ID,
		"kind":     alert.Kind,
		"attempts": alert.Attempts,
	}
	if alert.Source != "" {
		fields["source"] = alert.Source
	}
	if alert.ExternalEventID != "" {
		fields["external_event_id"] = alert.ExternalEventID
	}
	if alert.AccountID != "" {
		fields["account_id"] = alert.AccountID
	}
	return fields
}

var _ core.CriticalAlerter = (*Escalator)(nil)
