package command

import (
	"strings"
)

const (
	TypeReplayEvent      = "payhooks.command.event.replay"
	TypeSweepStuckEvents = "payhooks.command.events.sweep_stuck"
	TypeDispatchAlerts   = "payhooks.command.alerts.dispatch"
)

// maxBatch bounds operator-triggered batches.
const maxBatch = 1000

type ReplayEventMessage struct {
	Source          string
	ExternalEventID string
}

func (ReplayEventMessage) Type() string { return TypeReplayEvent }

func (m ReplayEventMessage) Validate() error {
	if strings.TrimSpace(m.Source) == "" {
		return commandValidationError("source", "source is required")
	}
	if strings.TrimSpace(m.ExternalEventID) == "" {
		return commandValidationError("external_event_id", "external event id is required")
	}
	return nil
}

type SweepStuckEventsMessage struct {
	Limit int
}

func (SweepStuckEventsMessage) Type() string { return TypeSweepStuckEvents }

func (m SweepStuckEventsMessage) Validate() error {
	return validateBatch("limit", m.Limit)
}

type DispatchAlertsMessage struct {
	BatchSize int
}

func (DispatchAlertsMessage) Type() string { return TypeDispatchAlerts }

func (m DispatchAlertsMessage) Validate() error {
	return validateBatch("batch_size", m.BatchSize)
}

func validateBatch(field string, value int) error {
	if value < 0 {
		return commandValidationError(field, "must be >= 0")
	}
	if value > maxBatch {
		return commandValidationError(field, "must be <= 1000")
	}
	return nil
}
