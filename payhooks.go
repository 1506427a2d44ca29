package payhooks

import (
	"fmt"
	"time"

	"github.com/goliatone/go-payhooks/command"
	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/dispatch"
	"github.com/goliatone/go-payhooks/handlers"
	"github.com/goliatone/go-payhooks/query"
	"github.com/goliatone/go-payhooks/webhooks"
)

type Config = core.Config

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Dependencies are the collaborators the pipeline is assembled from.
// Notifier, StatusSource and AlertDispatcher are optional.
type Dependencies struct {
	Events          core.EventStore
	Accounts        core.AccountDirectory
	Alerter         core.CriticalAlerter
	Verifier        core.Verifier
	Notifier        core.Notifier
	StatusSource    core.AccountStatusSource
	AlertDispatcher command.AlertDispatcher
	Observer        core.Observer
	Now             func() time.Time
}

type Commands struct {
	ReplayEvent      *command.ReplayEventCommand
	SweepStuckEvents *command.SweepStuckEventsCommand
	DispatchAlerts   *command.DispatchAlertsCommand
}

type Queries struct {
	GetInboundEvent     *query.GetInboundEventQuery
	ListFailedEvents    *query.ListFailedEventsQuery
	GetConnectedAccount *query.GetConnectedAccountQuery
}

// Pipeline wires the gatekeeper, handler registry and ingress processor
// over a single event store.
type Pipeline struct {
	config     Config
	gatekeeper *core.Gatekeeper
	registry   *dispatch.Registry
	handlers   *handlers.Set
	processor  *webhooks.Processor
	sweeper    *core.Sweeper
	commands   Commands
	queries    Queries
}

func NewPipeline(cfg Config, deps Dependencies) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("payhooks: event store is required")
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("payhooks: signature verifier is required")
	}
	observer := deps.Observer
	if observer.Logger == nil || observer.Metrics == nil {
		observer = core.NewObserver(observer.Logger, observer.Metrics)
	}

	gatekeeperOpts := []core.GatekeeperOption{
		core.WithGatekeeperPolicy(cfg.Policy()),
		core.WithGatekeeperObserver(observer),
	}
	if deps.Now != nil {
		gatekeeperOpts = append(gatekeeperOpts, core.WithGatekeeperClock(deps.Now))
	}
	gatekeeper, err := core.NewGatekeeper(deps.Events, gatekeeperOpts...)
	if err != nil {
		return nil, err
	}

	set, err := handlers.NewSet(handlers.Dependencies{
		Accounts:     deps.Accounts,
		Alerter:      deps.Alerter,
		Notifier:     deps.Notifier,
		StatusSource: deps.StatusSource,
		Logger:       observer.Logger,
		Metrics:      observer.Metrics,
		Now:          deps.Now,
	})
	if err != nil {
		return nil, err
	}
	registry := dispatch.NewRegistry()
	if err := set.Register(registry); err != nil {
		return nil, err
	}

	processorOpts := []webhooks.Option{
		webhooks.WithConfig(cfg),
		webhooks.WithObserver(observer),
	}
	if deps.Now != nil {
		processorOpts = append(processorOpts, webhooks.WithClock(deps.Now))
	}
	processor, err := webhooks.NewProcessor(deps.Verifier, gatekeeper, registry, processorOpts...)
	if err != nil {
		return nil, err
	}
	sweeper, err := core.NewSweeper(gatekeeper, 0)
	if err != nil {
		return nil, err
	}

	pipeline := &Pipeline{
		config:     cfg,
		gatekeeper: gatekeeper,
		registry:   registry,
		handlers:   set,
		processor:  processor,
		sweeper:    sweeper,
	}
	pipeline.commands = Commands{
		ReplayEvent:      command.NewReplayEventCommand(processor),
		SweepStuckEvents: command.NewSweepStuckEventsCommand(sweeper),
	}
	if deps.AlertDispatcher != nil {
		pipeline.commands.DispatchAlerts = command.NewDispatchAlertsCommand(deps.AlertDispatcher)
	}
	pipeline.queries = Queries{
		GetInboundEvent:     query.NewGetInboundEventQuery(deps.Events),
		ListFailedEvents:    query.NewListFailedEventsQuery(gatekeeper),
		GetConnectedAccount: query.NewGetConnectedAccountQuery(deps.Accounts),
	}
	return pipeline, nil
}

func (p *Pipeline) Config() Config {
	if p == nil {
		return Config{}
	}
	return p.config
}

func (p *Pipeline) Gatekeeper() *core.Gatekeeper {
	if p == nil {
		return nil
	}
	return p.gatekeeper
}

func (p *Pipeline) Registry() *dispatch.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

func (p *Pipeline) Processor() *webhooks.Processor {
	if p == nil {
		return nil
	}
	return p.processor
}

func (p *Pipeline) Sweeper() *core.Sweeper {
	if p == nil {
		return nil
	}
	return p.sweeper
}

func (p *Pipeline) Commands() Commands {
	if p == nil {
		return Commands{}
	}
	return p.commands
}

func (p *Pipeline) Queries() Queries {
	if p == nil {
		return Queries{}
	}
	return p.queries
}
