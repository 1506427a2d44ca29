package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-payhooks/core"
)

const (
	MessageAlreadyProcessed  = "Event already processed"
	MessageAlreadyProcessing = "Event already processing"
	MessageHandled           = "Webhook handled"
	MessageReceived          = "Webhook received"

	ErrorInvalidSignature = "Invalid signature"
	ErrorInvalidPayload   = "Invalid payload"
	ErrorUnavailable      = "Webhook temporarily unavailable"
	ErrorHandler          = "Webhook handler error"
)

// Gate is the part of core.Gatekeeper the processor drives.
type Gate interface {
	Admit(ctx context.Context, in core.NewInboundEvent) (core.Decision, error)
	MarkProcessing(ctx context.Context, event core.InboundEvent) (core.InboundEvent, bool, error)
	MarkProcessed(ctx context.Context, event core.InboundEvent, resultSummary map[string]any) error
	MarkFailed(ctx context.Context, event core.InboundEvent, errorMessage string, retryable bool) error
	Replay(ctx context.Context, source string, externalEventID string) (core.InboundEvent, error)
}

// Processor is the ingress pipeline: verify, decode, admit, dispatch and
// finalize. Failures before admission reject the delivery; anything after
// it is acknowledged unless a retry is wanted.
type Processor struct {
	Verifier        core.Verifier
	Gate            Gate
	Resolver        core.HandlerResolver
	Source          string
	ClassifyTimeout time.Duration
	HandlerTimeout  time.Duration
	FinalizeTimeout time.Duration
	Observer        core.Observer
	Now             func() time.Time
}

type Option func(*Processor)

func WithSource(source string) Option {
	return func(p *Processor) {
		p.Source = strings.TrimSpace(source)
	}
}

func WithTimeouts(classify time.Duration, handler time.Duration) Option {
	return func(p *Processor) {
		if classify > 0 {
			p.ClassifyTimeout = classify
			p.FinalizeTimeout = classify
		}
		if handler > 0 {
			p.HandlerTimeout = handler
		}
	}
}

func WithConfig(cfg core.Config) Option {
	return func(p *Processor) {
		WithSource(cfg.Source)(p)
		WithTimeouts(cfg.ClassifyTimeout, cfg.HandlerTimeout)(p)
	}
}

func WithObserver(observer core.Observer) Option {
	return func(p *Processor) {
		p.Observer = observer
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.Now = now
		}
	}
}

func NewProcessor(verifier core.Verifier, gate Gate, resolver core.HandlerResolver, opts ...Option) (*Processor, error) {
	if verifier == nil {
		return nil, core.InternalError("webhooks: verifier is required", nil)
	}
	if gate == nil {
		return nil, core.InternalError("webhooks: gatekeeper is required", nil)
	}
	if resolver == nil {
		return nil, core.InternalError("webhooks: handler resolver is required", nil)
	}
	defaults := core.DefaultConfig()
	p := &Processor{
		Verifier:        verifier,
		Gate:            gate,
		Resolver:        resolver,
		Source:          defaults.Source,
		ClassifyTimeout: defaults.ClassifyTimeout,
		HandlerTimeout:  defaults.HandlerTimeout,
		FinalizeTimeout: defaults.ClassifyTimeout,
		Observer:        core.NewObserver(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

func (p *Processor) Process(ctx context.Context, req core.InboundRequest) (core.InboundResult, error) {
	if p == nil || p.Gate == nil || p.Verifier == nil || p.Resolver == nil {
		return rejected(http.StatusInternalServerError, ErrorHandler, nil), core.InternalError("webhooks: processor is not configured", nil)
	}
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		req.Source = p.Source
	}
	fields := map[string]any{"source": req.Source}

	if err := p.Verifier.Verify(ctx, req); err != nil {
		p.record(ctx, req.Source, "", "rejected_signature")
		p.Observer.Warn(ctx, "payhooks: webhook signature rejected", fields)
		return rejected(http.StatusUnauthorized, ErrorInvalidSignature, fields), authError(err, req.Source)
	}

	envelope, err := core.DecodeEnvelope(req.Body)
	if err != nil {
		p.record(ctx, req.Source, "", "rejected_payload")
		p.Observer.Warn(ctx, "payhooks: webhook payload rejected", fields)
		return rejected(http.StatusBadRequest, ErrorInvalidPayload, fields), err
	}
	envelope.Source = req.Source

	classifyCtx, cancel := p.withTimeout(ctx, p.ClassifyTimeout, false)
	decision, err := p.Gate.Admit(classifyCtx, core.NewInboundEvent{
		Source:          req.Source,
		ExternalEventID: envelope.ID,
		EventType:       envelope.Type,
		RawPayload:      req.Body,
		ReceivedAt:      p.now(),
	})
	cancel()
	if err != nil {
		fields["external_event_id"] = envelope.ID
		fields["error"] = err.Error()
		if core.HasTextCode(err, core.ErrorBadInput) {
			p.record(ctx, req.Source, envelope.Type, "rejected_payload")
			return rejected(http.StatusBadRequest, ErrorInvalidPayload, fields), err
		}
		p.record(ctx, req.Source, envelope.Type, "unavailable")
		p.Observer.Error(ctx, "payhooks: event store unavailable during classification", fields)
		return rejected(http.StatusServiceUnavailable, ErrorUnavailable, fields), storeUnavailable(err)
	}

	if !decision.Proceed {
		return p.acknowledgeDecision(ctx, decision), nil
	}
	return p.dispatch(ctx, decision.Event, envelope)
}

// Replay reopens a failed event and runs it again from the stored payload.
func (p *Processor) Replay(ctx context.Context, source string, externalEventID string) (core.InboundResult, error) {
	if p == nil || p.Gate == nil || p.Resolver == nil {
		return rejected(http.StatusInternalServerError, ErrorHandler, nil), core.InternalError("webhooks: processor is not configured", nil)
	}
	reopened, err := p.Gate.Replay(ctx, source, externalEventID)
	if err != nil {
		return core.InboundResult{}, err
	}
	claimed, ok, err := p.Gate.MarkProcessing(ctx, reopened)
	if err != nil {
		return core.InboundResult{}, err
	}
	if !ok {
		return p.acknowledgeDecision(ctx, core.Decision{Event: reopened, Reason: core.ReasonLostRace}), nil
	}
	envelope, err := core.DecodeEnvelope(claimed.RawPayload)
	if err != nil {
		finalizeCtx, cancel := p.withTimeout(ctx, p.FinalizeTimeout, true)
		defer cancel()
		if markErr := p.Gate.MarkFailed(finalizeCtx, claimed, err.Error(), false); markErr != nil {
			return core.InboundResult{}, errors.Join(err, markErr)
		}
		return core.InboundResult{}, err
	}
	envelope.Source = claimed.Source
	return p.dispatch(ctx, claimed, envelope)
}

func (p *Processor) dispatch(ctx context.Context, event core.InboundEvent, envelope core.Envelope) (core.InboundResult, error) {
	fields := core.EventFields(event)
	handler, ok := p.Resolver.Resolve(envelope.Type)
	if !ok {
		p.finalizeProcessed(ctx, event, map[string]any{"unhandled": true})
		p.record(ctx, event.Source, event.EventType, "unhandled")
		p.Observer.Info(ctx, "payhooks: unhandled event type acknowledged", fields)
		return acknowledged(MessageReceived, map[string]any{"unhandled": true}, nil), nil
	}

	startedAt := p.now()
	outcome := p.runHandler(ctx, handler, envelope)
	p.Observer.Observe(ctx, core.MetricHandlerSeconds, p.now().Sub(startedAt).Seconds(), map[string]string{
		"source": event.Source,
		"type":   event.EventType,
	})

	if outcome.err == nil && outcome.result.Success {
		summary := map[string]any{}
		for key, value := range outcome.result.Detail {
			summary[key] = value
		}
		summary["success"] = true
		p.finalizeProcessed(ctx, event, summary)
		p.record(ctx, event.Source, event.EventType, "handled")
		return acknowledged(MessageHandled, map[string]any{"handled": true}, core.RedactSensitiveMap(outcome.result.Detail)), nil
	}

	retryable := outcome.retryable()
	message := outcome.message()
	fields["retryable"] = retryable
	fields["error"] = message
	fields["timed_out"] = outcome.timedOut

	finalizeCtx, cancel := p.withTimeout(ctx, p.FinalizeTimeout, true)
	defer cancel()
	if err := p.Gate.MarkFailed(finalizeCtx, event, message, retryable); err != nil {
		fields["finalize_error"] = err.Error()
		p.Observer.Error(ctx, "payhooks: could not record handler failure", fields)
	}

	if retryable {
		p.record(ctx, event.Source, event.EventType, "failed_retryable")
		p.Observer.Error(ctx, "payhooks: handler failed, requesting redelivery", fields)
		return rejected(http.StatusInternalServerError, ErrorHandler, map[string]any{"retryable": true}), handlerError(outcome, event)
	}
	p.record(ctx, event.Source, event.EventType, "failed")
	p.Observer.Warn(ctx, "payhooks: handler rejected event", fields)
	return acknowledged(MessageReceived, map[string]any{"failed": true}, nil), nil
}

// finalizeProcessed never fails the delivery: the side effects already
// happened, so a lost claim or store error is only logged.
func (p *Processor) finalizeProcessed(ctx context.Context, event core.InboundEvent, summary map[string]any) {
	finalizeCtx, cancel := p.withTimeout(ctx, p.FinalizeTimeout, true)
	defer cancel()
	if err := p.Gate.MarkProcessed(finalizeCtx, event, summary); err != nil {
		fields := core.EventFields(event)
		fields["error"] = err.Error()
		p.Observer.Error(ctx, "payhooks: could not finalize processed event", fields)
	}
}

type handlerOutcome struct {
	result   core.DispatchResult
	err      error
	timedOut bool
}

func (o handlerOutcome) retryable() bool {
	if o.timedOut {
		return true
	}
	if o.err != nil {
		return o.result.Retryable || !core.IsBusiness(o.err)
	}
	return o.result.Retryable
}

func (o handlerOutcome) message() string {
	if o.err != nil {
		return o.err.Error()
	}
	if value, ok := o.result.Detail["error"].(string); ok && value != "" {
		return value
	}
	return "handler reported failure"
}

// runHandler bounds the handler by HandlerTimeout. The handler context is
// detached from the request so a client disconnect does not abort effects
// half-way.
func (p *Processor) runHandler(ctx context.Context, handler core.Handler, envelope core.Envelope) handlerOutcome {
	handlerCtx, cancel := p.withTimeout(ctx, p.HandlerTimeout, true)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- handlerOutcome{err: core.InternalError(fmt.Sprintf("webhooks: handler panicked: %v", recovered), nil)}
			}
		}()
		result, err := handler.Handle(handlerCtx, envelope)
		done <- handlerOutcome{result: result, err: err}
	}()

	select {
	case outcome := <-done:
		if outcome.err != nil && errors.Is(handlerCtx.Err(), context.DeadlineExceeded) {
			outcome.timedOut = true
		}
		return outcome
	case <-handlerCtx.Done():
		return handlerOutcome{
			err: core.NewError("webhooks: handler timed out", goerrors.CategoryOperation, core.ErrorHandlerTimeout, map[string]any{
				"timeout": p.HandlerTimeout.String(),
			}),
			timedOut: true,
		}
	}
}

func (p *Processor) acknowledgeDecision(ctx context.Context, decision core.Decision) core.InboundResult {
	event := decision.Event
	outcome := "duplicate"
	message := MessageAlreadyProcessing
	switch decision.Reason {
	case core.ReasonAlreadyProcessed:
		message = MessageAlreadyProcessed
	case core.ReasonLostRace:
		if event.Status == core.EventStatusProcessed {
			message = MessageAlreadyProcessed
		}
	case core.ReasonAttemptsExhausted, core.ReasonNotRetryable:
		// Surfaced by the gatekeeper; redelivery cannot help.
		message = MessageReceived
		outcome = "halted"
	}
	p.record(ctx, event.Source, event.EventType, outcome)
	return acknowledged(message, map[string]any{"reason": string(decision.Reason)}, nil)
}

func (p *Processor) record(ctx context.Context, source string, eventType string, outcome string) {
	tags := map[string]string{"source": source, "outcome": outcome}
	if eventType != "" {
		tags["type"] = eventType
	}
	p.Observer.Count(ctx, core.MetricIngress, tags)
}

func (p *Processor) withTimeout(ctx context.Context, timeout time.Duration, detach bool) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if detach {
		ctx = context.WithoutCancel(ctx)
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (p *Processor) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func acknowledged(message string, metadata map[string]any, detail map[string]any) core.InboundResult {
	meta := map[string]any{}
	for key, value := range metadata {
		meta[key] = value
	}
	if len(detail) > 0 {
		meta["detail"] = detail
	}
	return core.InboundResult{
		Accepted:   true,
		StatusCode: http.StatusOK,
		Message:    message,
		Metadata:   meta,
	}
}

func rejected(status int, errorText string, metadata map[string]any) core.InboundResult {
	meta := map[string]any{"rejected": true}
	for key, value := range metadata {
		meta[key] = value
	}
	return core.InboundResult{
		Accepted:   false,
		StatusCode: status,
		Error:      errorText,
		Metadata:   meta,
	}
}

func authError(err error, source string) error {
	if core.HasTextCode(err, core.ErrorInvalidSignature) {
		return err
	}
	return core.WrapError(err, goerrors.CategoryAuth, core.ErrorInvalidSignature, "webhooks: request verification failed", map[string]any{
		"source": source,
	})
}

func storeUnavailable(err error) error {
	if core.HasTextCode(err, core.ErrorStoreUnavailable) {
		return err
	}
	return core.StoreUnavailableError(err, "webhooks: classification failed", nil)
}

func handlerError(outcome handlerOutcome, event core.InboundEvent) error {
	metadata := map[string]any{
		"source":            event.Source,
		"external_event_id": event.ExternalEventID,
		"event_type":        event.EventType,
	}
	if outcome.err == nil {
		return core.NewError("webhooks: handler reported failure", goerrors.CategoryOperation, core.ErrorHandlerFailed, metadata)
	}
	if outcome.timedOut {
		return outcome.err
	}
	return core.WrapError(outcome.err, goerrors.CategoryOperation, core.ErrorHandlerFailed, "webhooks: handler failed", metadata)
}
