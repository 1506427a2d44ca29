package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const maxLastErrorLength = 1024

// Gatekeeper classifies deliveries against the EventStore and owns every
// status transition of an InboundEvent.
type Gatekeeper struct {
	store    EventStore
	policy   Policy
	observer Observer
	now      func() time.Time
}

type GatekeeperOption func(*Gatekeeper)

func WithGatekeeperPolicy(policy Policy) GatekeeperOption {
	return func(g *Gatekeeper) {
		g.policy = policy
	}
}

func WithGatekeeperObserver(observer Observer) GatekeeperOption {
	return func(g *Gatekeeper) {
		g.observer = observer
	}
}

func WithGatekeeperClock(now func() time.Time) GatekeeperOption {
	return func(g *Gatekeeper) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGatekeeper(store EventStore, opts ...GatekeeperOption) (*Gatekeeper, error) {
	if store == nil {
		return nil, InternalError("core: gatekeeper requires an event store", nil)
	}
	g := &Gatekeeper{
		store:    store,
		policy:   DefaultPolicy(),
		observer: NewObserver(nil, nil),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.policy = g.policy.normalized()
	return g, nil
}

func (g *Gatekeeper) Policy() Policy {
	return g.policy
}

func (g *Gatekeeper) Store() EventStore {
	return g.store
}

// ShouldProcess classifies a key without writing anything.
func (g *Gatekeeper) ShouldProcess(ctx context.Context, source string, externalEventID string) (Decision, error) {
	key := EventKey{Source: strings.TrimSpace(source), ExternalEventID: strings.TrimSpace(externalEventID)}
	if err := key.Validate(); err != nil {
		return Decision{}, err
	}
	event, found, err := g.store.Find(ctx, key.Source, key.ExternalEventID)
	if err != nil {
		return Decision{}, g.storeError(err, "find", key)
	}
	if !found {
		return Decision{Proceed: true, Reason: ReasonNew}, nil
	}
	return g.classify(event), nil
}

// Admit records the delivery if unseen, classifies it and, when it may run,
// claims it. A true Proceed means the caller owns the claim on Event.
func (g *Gatekeeper) Admit(ctx context.Context, in NewInboundEvent) (Decision, error) {
	in.Source = strings.TrimSpace(in.Source)
	in.ExternalEventID = strings.TrimSpace(in.ExternalEventID)
	in.EventType = strings.TrimSpace(in.EventType)
	if err := in.Validate(); err != nil {
		return Decision{}, err
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = g.now()
	}

	event, created, err := g.store.InsertIfAbsent(ctx, in)
	if err != nil {
		return Decision{}, g.storeError(err, "insert", in.Key())
	}
	decision := g.classify(event)
	decision.Created = created
	if decision.Reason == ReasonAttemptsExhausted && event.Status == EventStatusProcessing {
		// A stuck claim with no attempts left is released, never taken over.
		released, ok, err := g.abandon(ctx, event, g.now())
		if err != nil {
			return Decision{}, g.storeError(err, "abandon", event.Key())
		}
		if ok {
			decision.Event = released
			g.surfaceFailure(ctx, released)
		} else {
			decision = g.lostRace(ctx, event)
			decision.Created = created
		}
	}
	if !decision.Proceed {
		g.recordDecision(ctx, decision)
		return decision, nil
	}

	claimed, ok, err := g.MarkProcessing(ctx, event)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		decision = g.lostRace(ctx, event)
		decision.Created = created
		g.recordDecision(ctx, decision)
		return decision, nil
	}
	decision.Event = claimed
	g.recordDecision(ctx, decision)
	return decision, nil
}

// MarkProcessing claims event for the caller. false means another worker
// changed the row first or the event is not claimable.
func (g *Gatekeeper) MarkProcessing(ctx context.Context, event InboundEvent) (InboundEvent, bool, error) {
	now := g.now()
	if !g.claimable(event, now) {
		return event, false, nil
	}
	in := TransitionInput{
		Event: event,
		From:  event.Status,
		To:    EventStatusProcessing,
		Extra: TransitionExtra{
			AttemptCount:        event.AttemptCount + 1,
			LastError:           event.LastError,
			ResultSummary:       event.ResultSummary,
			ProcessingStartedAt: &now,
			UpdatedAt:           now,
		},
	}
	claimed, ok, err := g.store.Transition(ctx, in)
	if err != nil {
		return InboundEvent{}, false, g.storeError(err, "claim", event.Key())
	}
	if ok && event.Status == EventStatusProcessing {
		fields := EventFields(claimed)
		fields["previous_started_at"] = event.ProcessingStartedAt
		g.observer.Warn(ctx, "payhooks: took over stuck event", fields)
	}
	return claimed, ok, nil
}

// MarkProcessed finalizes a claimed event. It fails with a claim-lost error
// when the claim was taken over in the meantime.
func (g *Gatekeeper) MarkProcessed(ctx context.Context, event InboundEvent, resultSummary map[string]any) error {
	if event.Status != EventStatusProcessing {
		return BadInputError("core: only a processing event can be marked processed", EventFields(event))
	}
	now := g.now()
	in := TransitionInput{
		Event: event,
		From:  EventStatusProcessing,
		To:    EventStatusProcessed,
		Extra: TransitionExtra{
			AttemptCount:        event.AttemptCount,
			ResultSummary:       RedactSensitiveMap(resultSummary),
			ProcessingStartedAt: event.ProcessingStartedAt,
			FinishedAt:          &now,
			UpdatedAt:           now,
		},
	}
	finalized, ok, err := g.store.Transition(ctx, in)
	if err != nil {
		return g.storeError(err, "mark_processed", event.Key())
	}
	if !ok {
		return ClaimLostError(event.Key(), "mark_processed")
	}
	g.observer.Info(ctx, "payhooks: event processed", EventFields(finalized))
	g.observer.Count(ctx, MetricFinalized, map[string]string{
		"source": event.Source,
		"type":   event.EventType,
		"status": string(EventStatusProcessed),
	})
	return nil
}

func (g *Gatekeeper) MarkFailed(ctx context.Context, event InboundEvent, errorMessage string, retryable bool) error {
	if event.Status != EventStatusProcessing {
		return BadInputError("core: only a processing event can be marked failed", EventFields(event))
	}
	now := g.now()
	in := TransitionInput{
		Event: event,
		From:  EventStatusProcessing,
		To:    EventStatusFailed,
		Extra: TransitionExtra{
			AttemptCount:        event.AttemptCount,
			Retryable:           retryable,
			LastError:           truncateError(errorMessage),
			ResultSummary:       map[string]any{"success": false},
			ProcessingStartedAt: event.ProcessingStartedAt,
			FinishedAt:          &now,
			UpdatedAt:           now,
		},
	}
	failed, ok, err := g.store.Transition(ctx, in)
	if err != nil {
		return g.storeError(err, "mark_failed", event.Key())
	}
	if !ok {
		return ClaimLostError(event.Key(), "mark_failed")
	}
	g.observer.Count(ctx, MetricFinalized, map[string]string{
		"source":    event.Source,
		"type":      event.EventType,
		"status":    string(EventStatusFailed),
		"retryable": boolTag(retryable),
	})
	g.surfaceFailure(ctx, failed)
	return nil
}

// Replay reopens a failed event with a fresh attempt budget so the next
// delivery or an operator-driven reprocess can claim it again.
func (g *Gatekeeper) Replay(ctx context.Context, source string, externalEventID string) (InboundEvent, error) {
	key := EventKey{Source: strings.TrimSpace(source), ExternalEventID: strings.TrimSpace(externalEventID)}
	if err := key.Validate(); err != nil {
		return InboundEvent{}, err
	}
	event, found, err := g.store.Find(ctx, key.Source, key.ExternalEventID)
	if err != nil {
		return InboundEvent{}, g.storeError(err, "find", key)
	}
	if !found {
		return InboundEvent{}, NotFoundError("core: event not found", map[string]any{
			"source":            key.Source,
			"external_event_id": key.ExternalEventID,
		})
	}
	if event.Status != EventStatusFailed {
		return InboundEvent{}, ConflictError("core: only failed events can be replayed", EventFields(event))
	}
	now := g.now()
	reopened, ok, err := g.store.Transition(ctx, TransitionInput{
		Event: event,
		From:  EventStatusFailed,
		To:    EventStatusFailed,
		Extra: TransitionExtra{
			AttemptCount:        0,
			Retryable:           true,
			LastError:           event.LastError,
			ResultSummary:       event.ResultSummary,
			ProcessingStartedAt: event.ProcessingStartedAt,
			FinishedAt:          event.FinishedAt,
			UpdatedAt:           now,
		},
	})
	if err != nil {
		return InboundEvent{}, g.storeError(err, "replay", key)
	}
	if !ok {
		return InboundEvent{}, ConflictError("core: event changed while replaying", EventFields(event))
	}
	g.observer.Info(ctx, "payhooks: event reopened for replay", EventFields(reopened))
	return reopened, nil
}

// ListFailed exposes failed events for manual investigation.
func (g *Gatekeeper) ListFailed(ctx context.Context, filter FailedEventFilter) ([]InboundEvent, error) {
	events, err := g.store.ListFailed(ctx, filter)
	if err != nil {
		return nil, StoreUnavailableError(err, "core: list failed events", map[string]any{"source": filter.Source})
	}
	return events, nil
}

func (g *Gatekeeper) classify(event InboundEvent) Decision {
	decision := Decision{Event: event}
	switch event.Status {
	case EventStatusPending:
		decision.Proceed = true
		decision.Reason = ReasonNew
	case EventStatusProcessing:
		switch {
		case !event.IsStuck(g.now(), g.policy.StuckAfter):
			decision.Reason = ReasonAlreadyProcessing
		case event.AttemptCount >= g.policy.MaxAttempts:
			decision.Reason = ReasonAttemptsExhausted
		default:
			decision.Proceed = true
			decision.Reason = ReasonTakeover
		}
	case EventStatusProcessed:
		decision.Reason = ReasonAlreadyProcessed
	case EventStatusFailed:
		switch {
		case !event.Retryable:
			decision.Reason = ReasonNotRetryable
		case event.AttemptCount >= g.policy.MaxAttempts:
			decision.Reason = ReasonAttemptsExhausted
		default:
			decision.Proceed = true
			decision.Reason = ReasonRetry
		}
	default:
		decision.Reason = ReasonNotRetryable
	}
	return decision
}

func (g *Gatekeeper) claimable(event InboundEvent, now time.Time) bool {
	switch event.Status {
	case EventStatusPending:
		return true
	case EventStatusProcessing:
		return event.IsStuck(now, g.policy.StuckAfter) && event.AttemptCount < g.policy.MaxAttempts
	case EventStatusFailed:
		return event.Retryable && event.AttemptCount < g.policy.MaxAttempts
	default:
		return false
	}
}

// abandon moves a stale processing claim to failed/retryable, keeping its
// attempt count so the cap still applies on the next delivery.
func (g *Gatekeeper) abandon(ctx context.Context, event InboundEvent, now time.Time) (InboundEvent, bool, error) {
	return g.store.Transition(ctx, TransitionInput{
		Event: event,
		From:  EventStatusProcessing,
		To:    EventStatusFailed,
		Extra: TransitionExtra{
			AttemptCount:        event.AttemptCount,
			Retryable:           true,
			LastError:           fmt.Sprintf("processing abandoned after %s", g.policy.StuckAfter),
			ResultSummary:       map[string]any{"success": false, "abandoned": true},
			ProcessingStartedAt: event.ProcessingStartedAt,
			FinishedAt:          &now,
			UpdatedAt:           now,
		},
	})
}

func (g *Gatekeeper) lostRace(ctx context.Context, observed InboundEvent) Decision {
	decision := Decision{Event: observed, Reason: ReasonLostRace}
	latest, found, err := g.store.Find(ctx, observed.Source, observed.ExternalEventID)
	if err == nil && found {
		decision.Event = latest
	}
	return decision
}

func (g *Gatekeeper) recordDecision(ctx context.Context, decision Decision) {
	fields := EventFields(decision.Event)
	fields["reason"] = string(decision.Reason)
	fields["proceed"] = decision.Proceed
	fields["created"] = decision.Created
	g.observer.Count(ctx, MetricDecisions, map[string]string{
		"source":  decision.Event.Source,
		"reason":  string(decision.Reason),
		"proceed": boolTag(decision.Proceed),
	})
	switch decision.Reason {
	case ReasonAttemptsExhausted, ReasonNotRetryable:
		g.observer.Error(ctx, "payhooks: failed event needs manual investigation", fields)
	default:
		g.observer.Info(ctx, "payhooks: delivery classified", fields)
	}
}

func (g *Gatekeeper) surfaceFailure(ctx context.Context, event InboundEvent) {
	fields := EventFields(event)
	fields["retryable"] = event.Retryable
	fields["last_error"] = event.LastError
	if event.Retryable && event.AttemptCount < g.policy.MaxAttempts {
		g.observer.Warn(ctx, "payhooks: event failed, awaiting redelivery", fields)
		return
	}
	fields["max_attempts"] = g.policy.MaxAttempts
	g.observer.Count(ctx, MetricExhausted, map[string]string{
		"source": event.Source,
		"type":   event.EventType,
	})
	g.observer.Error(ctx, "payhooks: event failed permanently, manual investigation required", fields)
}

func (g *Gatekeeper) storeError(err error, operation string, key EventKey) error {
	if HasTextCode(err, ErrorBadInput) || HasTextCode(err, ErrorStoreUnavailable) {
		return err
	}
	return StoreUnavailableError(err, "core: event store unavailable", map[string]any{
		"operation":         operation,
		"source":            key.Source,
		"external_event_id": key.ExternalEventID,
	})
}

func truncateError(message string) string {
	message = strings.TrimSpace(message)
	if len(message) > maxLastErrorLength {
		return message[:maxLastErrorLength]
	}
	return message
}

func boolTag(value bool) string {
	if value {
		return "true"
	}
	return "false"
}
