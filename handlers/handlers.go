// Package handlers holds the business handlers for connected-account
// events. Handlers only call collaborator mutations and report a
// DispatchResult; they never touch the event store.
package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-payhooks/core"
)

const (
	EventAccountUpdated    = "account.updated"
	EventCapabilityUpdated = "capability.updated"
	EventPayoutPaid        = "payout.paid"
	EventPayoutFailed      = "payout.failed"
	EventTransferCreated   = "transfer.created"
	EventTransferFailed    = "transfer.failed"
)

type Dependencies struct {
	Accounts core.AccountDirectory
	Alerter  core.CriticalAlerter
	// Notifier and StatusSource are optional.
	Notifier     core.Notifier
	StatusSource core.AccountStatusSource
	Logger       core.Logger
	Metrics      core.MetricsRecorder
	Now          func() time.Time
}

type Registrar interface {
	Register(eventType string, handler core.Handler) error
}

type Set struct {
	accounts     core.AccountDirectory
	alerter      core.CriticalAlerter
	notifier     core.Notifier
	statusSource core.AccountStatusSource
	observer     core.Observer
	now          func() time.Time
}

func NewSet(deps Dependencies) (*Set, error) {
	if deps.Accounts == nil {
		return nil, core.InternalError("handlers: account directory is required", nil)
	}
	if deps.Alerter == nil {
		return nil, core.InternalError("handlers: critical alerter is required", nil)
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time {
			return time.Now().UTC()
		}
	}
	return &Set{
		accounts:     deps.Accounts,
		alerter:      deps.Alerter,
		notifier:     deps.Notifier,
		statusSource: deps.StatusSource,
		observer:     core.NewObserver(deps.Logger, deps.Metrics),
		now:          now,
	}, nil
}

// Table returns the explicit event type to handler mapping.
func (s *Set) Table() map[string]core.HandlerFunc {
	return map[string]core.HandlerFunc{
		EventAccountUpdated:    s.HandleAccountUpdated,
		EventCapabilityUpdated: s.HandleCapabilityUpdated,
		EventPayoutPaid:        s.HandlePayoutPaid,
		EventPayoutFailed:      s.HandlePayoutFailed,
		EventTransferCreated:   s.HandleTransferCreated,
		EventTransferFailed:    s.HandleTransferFailed,
	}
}

func (s *Set) Register(registrar Registrar) error {
	if registrar == nil {
		return core.InternalError("handlers: registrar is required", nil)
	}
	for eventType, handler := range s.Table() {
		if err := registrar.Register(eventType, handler); err != nil {
			return err
		}
	}
	return nil
}

// lookup resolves the owning account. A miss is not an error: the event
// is acknowledged as untracked.
func (s *Set) lookup(ctx context.Context, externalAccountID string) (core.ConnectedAccount, bool, error) {
	externalAccountID = strings.TrimSpace(externalAccountID)
	if externalAccountID == "" {
		return core.ConnectedAccount{}, false, nil
	}
	account, found, err := s.accounts.FindByExternalAccountID(ctx, externalAccountID)
	if err != nil {
		return core.ConnectedAccount{}, false, err
	}
	return account, found, nil
}

// failure classifies err: deterministic rejections are final, anything
// else is worth another delivery.
func (s *Set) failure(ctx context.Context, envelope core.Envelope, operation string, err error) (core.DispatchResult, error) {
	retryable := !core.IsBusiness(err)
	fields := envelopeFields(envelope)
	fields["operation"] = operation
	fields["retryable"] = retryable
	fields["error"] = err.Error()
	s.observer.Warn(ctx, "payhooks: handler operation failed", fields)
	return core.DispatchResult{
		Success:   false,
		Detail:    map[string]any{"operation": operation},
		Retryable: retryable,
	}, err
}

func (s *Set) notify(ctx context.Context, envelope core.Envelope, account core.ConnectedAccount, notification core.Notification) bool {
	if s.notifier == nil {
		return false
	}
	if notification.IdempotencyKey == "" {
		notification.IdempotencyKey = notification.Kind + ":" + envelope.ID
	}
	if err := s.notifier.Notify(ctx, account, notification); err != nil {
		fields := envelopeFields(envelope)
		fields["account_id"] = account.ID
		fields["notification"] = notification.Kind
		fields["error"] = err.Error()
		s.observer.Warn(ctx, "payhooks: notification delivery failed", fields)
		return false
	}
	return true
}

func envelopeFields(envelope core.Envelope) map[string]any {
	return map[string]any{
		"source":            envelope.Source,
		"external_event_id": envelope.ID,
		"event_type":        envelope.Type,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
