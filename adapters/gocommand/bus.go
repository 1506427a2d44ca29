package gocommand

import (
	"context"
	"fmt"
	"strings"
	"sync"

	gocmd "github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"

	"github.com/goliatone/go-payhooks/command"
	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/query"
)

const (
	messagePrefix    = "payhooks."
	queueResolverKey = "queue"
)

// Operators holds the collaborators behind the operator commands and
// queries. Nil members are skipped.
type Operators struct {
	Replayer command.EventReplayer
	Sweeper  command.StuckSweeper
	Alerts   command.AlertDispatcher
	Events   query.InboundEventReader
	Failed   query.FailedEventLister
	Accounts query.ConnectedAccountReader
}

// Bus registers operator handlers with a go-command registry and subscribes
// them on the global dispatcher. It owns those subscriptions until Close.
type Bus struct {
	mu            sync.Mutex
	registry      *gocmd.Registry
	subscriptions []commanddispatcher.Subscription
}

func NewBus(registry *gocmd.Registry) *Bus {
	if registry == nil {
		registry = gocmd.NewRegistry()
	}
	return &Bus{registry: registry}
}

func (b *Bus) Registry() *gocmd.Registry {
	if b == nil {
		return nil
	}
	return b.registry
}

// MirrorToQueue copies every registered command into the go-job queue
// registry when the bus is initialized, so operators can be run as jobs.
func (b *Bus) MirrorToQueue(queueRegistry *jobqueuecommand.Registry) error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	if b.registry.HasResolver(queueResolverKey) {
		return nil
	}
	return b.registry.AddResolver(queueResolverKey, jobqueuecommand.QueueResolver(queueRegistry))
}

// Register wires every configured operator. A failure releases what this
// call subscribed and leaves earlier registrations in place.
func (b *Bus) Register(ops Operators) error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	var subscribed []commanddispatcher.Subscription
	steps := []func() (commanddispatcher.Subscription, error){}
	if ops.Replayer != nil {
		steps = append(steps, func() (commanddispatcher.Subscription, error) {
			return registerCommand[command.ReplayEventMessage](b.registry, command.NewReplayEventCommand(ops.Replayer))
		})
	}
	if ops.Sweeper != nil {
		steps = append(steps, func() (commanddispatcher.Subscription, error) {
			return registerCommand[command.SweepStuckEventsMessage](b.registry, command.NewSweepStuckEventsCommand(ops.Sweeper))
		})
	}
	if ops.Alerts != nil {
		steps = append(steps, func() (commanddispatcher.Subscription, error) {
			return registerCommand[command.DispatchAlertsMessage](b.registry, command.NewDispatchAlertsCommand(ops.Alerts))
		})
	}
	if ops.Events != nil {
		steps = append(steps, func() (commanddispatcher.Subscription, error) {
			return registerQuery[query.GetInboundEventMessage, core.InboundEvent](b.registry, query.NewGetInboundEventQuery(ops.Events))
		})
	}
	if ops.Failed != nil {
		steps = append(steps, func() (commanddispatcher.Subscription, error) {
			return registerQuery[query.ListFailedEventsMessage, []core.InboundEvent](b.registry, query.NewListFailedEventsQuery(ops.Failed))
		})
	}
	if ops.Accounts != nil {
		steps = append(steps, func() (commanddispatcher.Subscription, error) {
			return registerQuery[query.GetConnectedAccountMessage, core.ConnectedAccount](b.registry, query.NewGetConnectedAccountQuery(ops.Accounts))
		})
	}

	for _, step := range steps {
		sub, err := step()
		if err != nil {
			unsubscribe(subscribed)
			return err
		}
		subscribed = append(subscribed, sub)
	}
	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, subscribed...)
	b.mu.Unlock()
	return nil
}

func (b *Bus) Initialize() error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return b.registry.Initialize()
}

// Close drops every dispatcher subscription the bus created.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	subscriptions := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()
	unsubscribe(subscriptions)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func registerCommand[T any](registry *gocmd.Registry, cmd gocmd.Commander[T]) (commanddispatcher.Subscription, error) {
	var msg T
	if err := checkMessageType(msg); err != nil {
		return nil, err
	}
	sub := commanddispatcher.SubscribeCommand(cmd)
	if err := registry.RegisterCommand(cmd); err != nil {
		if sub != nil {
			sub.Unsubscribe()
		}
		return nil, err
	}
	return sub, nil
}

func registerQuery[T any, R any](registry *gocmd.Registry, qry gocmd.Querier[T, R]) (commanddispatcher.Subscription, error) {
	var msg T
	if err := checkMessageType(msg); err != nil {
		return nil, err
	}
	sub := commanddispatcher.SubscribeQuery(qry)
	if err := registry.RegisterCommand(qry); err != nil {
		if sub != nil {
			sub.Unsubscribe()
		}
		return nil, err
	}
	return sub, nil
}

// checkMessageType requires a payhooks-namespaced Type() so operator
// messages never collide with other handlers on the shared dispatcher.
func checkMessageType(msg any) error {
	m, ok := msg.(gocmd.Message)
	if !ok {
		return fmt.Errorf("gocommand: message %T must implement Type() string", msg)
	}
	messageType := strings.TrimSpace(m.Type())
	if !strings.HasPrefix(messageType, messagePrefix) || len(messageType) == len(messagePrefix) {
		return fmt.Errorf("gocommand: message type %q must start with %q", messageType, messagePrefix)
	}
	return nil
}

func unsubscribe(subscriptions []commanddispatcher.Subscription) {
	for _, sub := range subscriptions {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}
