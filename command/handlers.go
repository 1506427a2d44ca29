package command

import (
	"context"
	"strings"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-payhooks/alerts"
	"github.com/goliatone/go-payhooks/core"
)

type EventReplayer interface {
	Replay(ctx context.Context, source string, externalEventID string) (core.InboundResult, error)
}

type StuckSweeper interface {
	Sweep(ctx context.Context, limit int) (core.SweepResult, error)
}

type AlertDispatcher interface {
	DispatchPending(ctx context.Context, batchSize int) (alerts.DispatchStats, error)
}

// ReplayEventCommand reopens a failed event and runs its handler again
// from the stored payload.
type ReplayEventCommand struct {
	replayer EventReplayer
}

func NewReplayEventCommand(replayer EventReplayer) *ReplayEventCommand {
	return &ReplayEventCommand{replayer: replayer}
}

func (c *ReplayEventCommand) Execute(ctx context.Context, msg ReplayEventMessage) error {
	if c == nil || c.replayer == nil {
		return commandDependencyError("command: event replayer is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.replayer.Replay(ctx, strings.TrimSpace(msg.Source), strings.TrimSpace(msg.ExternalEventID))
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SweepStuckEventsCommand struct {
	sweeper StuckSweeper
}

func NewSweepStuckEventsCommand(sweeper StuckSweeper) *SweepStuckEventsCommand {
	return &SweepStuckEventsCommand{sweeper: sweeper}
}

func (c *SweepStuckEventsCommand) Execute(ctx context.Context, msg SweepStuckEventsMessage) error {
	if c == nil || c.sweeper == nil {
		return commandDependencyError("command: stuck event sweeper is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.sweeper.Sweep(ctx, msg.Limit)
	storeResult(ctx, out)
	return err
}

type DispatchAlertsCommand struct {
	dispatcher AlertDispatcher
}

func NewDispatchAlertsCommand(dispatcher AlertDispatcher) *DispatchAlertsCommand {
	return &DispatchAlertsCommand{dispatcher: dispatcher}
}

func (c *DispatchAlertsCommand) Execute(ctx context.Context, msg DispatchAlertsMessage) error {
	if c == nil || c.dispatcher == nil {
		return commandDependencyError("command: alert dispatcher is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.dispatcher.DispatchPending(ctx, msg.BatchSize)
	storeResult(ctx, out)
	return err
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
