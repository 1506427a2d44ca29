package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-payhooks/core"
)

// HandleTransferCreated records nothing beyond the result summary.
func (s *Set) HandleTransferCreated(ctx context.Context, envelope core.Envelope) (core.DispatchResult, error) {
	object, account, found, result, err := s.resolveTransfer(ctx, envelope)
	if err != nil || !found {
		return result, err
	}
	return core.Handled(map[string]any{
		"tracked":     true,
		"account_id":  account.ID,
		"transfer_id": object.ID,
		"amount":      object.Amount,
		"currency":    strings.ToLower(object.Currency),
	}), nil
}

// HandleTransferFailed counts the failure and escalates through the
// guaranteed alert path. An escalation error fails the event as retryable;
// the counter and the alert are both keyed so a retry does not repeat them.
func (s *Set) HandleTransferFailed(ctx context.Context, envelope core.Envelope) (core.DispatchResult, error) {
	object, account, found, result, err := s.resolveTransfer(ctx, envelope)
	if err != nil || !found {
		return result, err
	}

	count, applied, err := s.accounts.IncrementFailureCount(ctx, account, core.FailureIncrement{
		Kind:      core.FailureKindTransfer,
		Reference: object.ID,
	})
	if err != nil {
		return s.failure(ctx, envelope, "increment_failure_count", err)
	}

	key := core.EventKey{Source: envelope.Source, ExternalEventID: envelope.ID}
	alert := core.CriticalAlert{
		ID:              core.AlertID(core.AlertKindTransferFailed, key),
		Kind:            core.AlertKindTransferFailed,
		Source:          envelope.Source,
		ExternalEventID: envelope.ID,
		AccountID:       account.ID,
		Summary: fmt.Sprintf(
			"transfer %s of %d %s to account %s failed",
			object.ID, object.Amount, strings.ToUpper(object.Currency), account.ExternalAccountID,
		),
		Payload: map[string]any{
			"transfer_id":            object.ID,
			"amount":                 object.Amount,
			"currency":               strings.ToLower(object.Currency),
			"external_account_id":    account.ExternalAccountID,
			"transfer_failure_count": count,
		},
		OccurredAt: s.now(),
	}
	if err := s.alerter.Escalate(ctx, alert); err != nil {
		fields := envelopeFields(envelope)
		fields["alert_id"] = alert.ID
		fields["error"] = err.Error()
		s.observer.Error(ctx, "payhooks: critical alert escalation failed", fields)
		return core.DispatchResult{
			Success:   false,
			Detail:    map[string]any{"operation": "escalate", "alert_id": alert.ID},
			Retryable: true,
		}, core.TransientError(err, "handlers: critical alert escalation failed")
	}

	return core.Handled(map[string]any{
		"tracked":         true,
		"account_id":      account.ID,
		"transfer_id":     object.ID,
		"failure_count":   count,
		"counter_applied": applied,
		"alert_id":        alert.ID,
	}), nil
}

func (s *Set) resolveTransfer(
	ctx context.Context,
	envelope core.Envelope,
) (transferObject, core.ConnectedAccount, bool, core.DispatchResult, error) {
	var object transferObject
	if err := envelope.DecodeObject(&object); err != nil {
		result, err := s.failure(ctx, envelope, "decode", err)
		return object, core.ConnectedAccount{}, false, result, err
	}
	if strings.TrimSpace(object.ID) == "" {
		result, err := s.failure(ctx, envelope, "decode", core.BusinessError("handlers: transfer id is missing", envelopeFields(envelope)))
		return object, core.ConnectedAccount{}, false, result, err
	}
	externalID := firstNonEmpty(object.Destination, envelope.Account)
	account, found, err := s.lookup(ctx, externalID)
	if err != nil {
		result, err := s.failure(ctx, envelope, "find_account", err)
		return object, core.ConnectedAccount{}, false, result, err
	}
	if !found {
		return object, core.ConnectedAccount{}, false, core.Untracked(map[string]any{
			"external_account_id": externalID,
			"transfer_id":         object.ID,
		}), nil
	}
	return object, account, true, core.DispatchResult{}, nil
}
