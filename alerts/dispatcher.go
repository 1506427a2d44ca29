package alerts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-payhooks/core"
)

type DispatchStats struct {
	Claimed   int
	Delivered int
	Retried   int
	Dead      int
}

// Dispatcher drains the outbox into a sink.
type Dispatcher struct {
	outbox   core.AlertOutbox
	sink     core.AlertSink
	config   core.AlertsConfig
	observer core.Observer
	now      func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherObserver(observer core.Observer) DispatcherOption {
	return func(d *Dispatcher) {
		d.observer = observer
	}
}

func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDispatcher(outbox core.AlertOutbox, sink core.AlertSink, config core.AlertsConfig, opts ...DispatcherOption) (*Dispatcher, error) {
	if outbox == nil {
		return nil, fmt.Errorf("alerts: outbox is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("alerts: sink is required")
	}
	defaults := core.DefaultConfig().Alerts
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	dispatcher := &Dispatcher{
		outbox:   outbox,
		sink:     sink,
		config:   config,
		observer: core.NewObserver(nil, nil),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}
	return dispatcher, nil
}

func (d *Dispatcher) DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error) {
	if d == nil || d.outbox == nil || d.sink == nil {
		return DispatchStats{}, fmt.Errorf("alerts: dispatcher is not configured")
	}
	limit := batchSize
	if limit <= 0 {
		limit = d.config.BatchSize
	}
	claimed, err := d.outbox.ClaimBatch(ctx, limit)
	if err != nil {
		return DispatchStats{}, err
	}

	stats := DispatchStats{Claimed: len(claimed)}
	var dispatchErr error
	for _, alert := range claimed {
		fields := alertFields(alert)
		if err := d.sink.Deliver(ctx, alert); err != nil {
			dead := alert.Attempts+1 >= d.config.MaxAttempts
			if retryErr := d.retry(ctx, alert, err, dead); retryErr != nil {
				dispatchErr = errors.Join(dispatchErr, retryErr)
			}
			fields["error"] = err.Error()
			if dead {
				stats.Dead++
				d.observer.Count(ctx, core.MetricAlertsFailed, map[string]string{"kind": alert.Kind, "outcome": "dead"})
				d.observer.Error(ctx, "payhooks: critical alert delivery exhausted", fields)
			} else {
				stats.Retried++
				d.observer.Count(ctx, core.MetricAlertsFailed, map[string]string{"kind": alert.Kind, "outcome": "retry"})
				d.observer.Warn(ctx, "payhooks: critical alert delivery failed", fields)
			}
			dispatchErr = errors.Join(dispatchErr, core.WrapError(err, goerrors.CategoryOperation, core.ErrorAlertDelivery, "alerts: deliver critical alert", fields))
			continue
		}
		if err := d.outbox.Ack(ctx, strings.TrimSpace(alert.ID)); err != nil {
			dispatchErr = errors.Join(dispatchErr, err)
			continue
		}
		stats.Delivered++
		d.observer.Count(ctx, core.MetricAlertsSent, map[string]string{"kind": alert.Kind})
	}
	return stats, dispatchErr
}

// Run polls the outbox every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchPending(ctx, 0); err != nil && ctx.Err() == nil {
			d.observer.Warn(ctx, "payhooks: alert dispatch pass failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) retry(ctx context.Context, alert core.CriticalAlert, cause error, dead bool) error {
	if dead {
		return d.outbox.Retry(ctx, strings.TrimSpace(alert.ID), cause, time.Time{})
	}
	return d.outbox.Retry(ctx, strings.TrimSpace(alert.ID), cause, d.now().Add(d.nextBackoffDelay(alert.Attempts+1)))
}

func (d *Dispatcher) nextBackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(d.config.InitialBackoff)
	next := time.Duration(base * math.Pow(2, float64(attempt-1)))
	if next < 0 || next > d.config.MaxBackoff {
		return d.config.MaxBackoff
	}
	return next
}
