package alerts

import (
	"context"
	"errors"

	"github.com/goliatone/go-payhooks/core"
)

// LoggerSink writes alerts to the error log. It is the fallback when no
// broker is configured.
type LoggerSink struct {
	Observer core.Observer
}

func (s LoggerSink) Deliver(ctx context.Context, alert core.CriticalAlert) error {
	fields := alertFields(alert)
	fields["summary"] = alert.Summary
	fields["payload"] = core.RedactSensitiveMap(alert.Payload)
	fields["occurred_at"] = alert.OccurredAt
	s.Observer.Error(ctx, "payhooks: CRITICAL "+alert.Kind, fields)
	return nil
}

// FanoutSink delivers to every sink and fails if any of them fails. Sinks
// must tolerate repeats since a partial failure redelivers to all.
type FanoutSink []core.AlertSink

func (s FanoutSink) Deliver(ctx context.Context, alert core.CriticalAlert) error {
	var err error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		err = errors.Join(err, sink.Deliver(ctx, alert))
	}
	return err
}

// SinkFunc adapts a function to core.AlertSink.
type SinkFunc func(ctx context.Context, alert core.CriticalAlert) error

func (f SinkFunc) Deliver(ctx context.Context, alert core.CriticalAlert) error {
	return f(ctx, alert)
}

var (
	_ core.AlertSink = LoggerSink{}
	_ core.AlertSink = FanoutSink{}
	_ core.AlertSink = SinkFunc(nil)
)
