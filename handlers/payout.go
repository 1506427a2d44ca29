package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-payhooks/core"
)

func (s *Set) HandlePayoutPaid(ctx context.Context, envelope core.Envelope) (core.DispatchResult, error) {
	object, account, found, result, err := s.resolvePayout(ctx, envelope)
	if err != nil || !found {
		return result, err
	}

	record := s.payoutRecord(envelope, object, "paid")
	if err := s.accounts.RecordPayout(ctx, account, record); err != nil {
		return s.failure(ctx, envelope, "record_payout", err)
	}
	notified := s.notify(ctx, envelope, account, core.Notification{
		Kind:    core.NotificationPayoutPaid,
		Subject: "Your payout is on its way",
		Data: map[string]any{
			"payout_id": object.ID,
			"amount":    object.Amount,
			"currency":  record.Currency,
		},
	})

	return core.Handled(map[string]any{
		"tracked":    true,
		"account_id": account.ID,
		"payout_id":  object.ID,
		"amount":     object.Amount,
		"currency":   record.Currency,
		"notified":   notified,
	}), nil
}

func (s *Set) HandlePayoutFailed(ctx context.Context, envelope core.Envelope) (core.DispatchResult, error) {
	object, account, found, result, err := s.resolvePayout(ctx, envelope)
	if err != nil || !found {
		return result, err
	}

	record := s.payoutRecord(envelope, object, "failed")
	if err := s.accounts.RecordPayout(ctx, account, record); err != nil {
		return s.failure(ctx, envelope, "record_payout", err)
	}
	count, applied, err := s.accounts.IncrementFailureCount(ctx, account, core.FailureIncrement{
		Kind:      core.FailureKindPayout,
		Reference: object.ID,
	})
	if err != nil {
		return s.failure(ctx, envelope, "increment_failure_count", err)
	}
	notified := s.notify(ctx, envelope, account, core.Notification{
		Kind:    core.NotificationPayoutFailed,
		Subject: "Your payout could not be completed",
		Data: map[string]any{
			"payout_id":       object.ID,
			"failure_code":    object.FailureCode,
			"failure_message": object.FailureMessage,
		},
	})

	return core.Handled(map[string]any{
		"tracked":         true,
		"account_id":      account.ID,
		"payout_id":       object.ID,
		"failure_code":    object.FailureCode,
		"failure_count":   count,
		"counter_applied": applied,
		"notified":        notified,
	}), nil
}

func (s *Set) resolvePayout(
	ctx context.Context,
	envelope core.Envelope,
) (payoutObject, core.ConnectedAccount, bool, core.DispatchResult, error) {
	var object payoutObject
	if err := envelope.DecodeObject(&object); err != nil {
		result, err := s.failure(ctx, envelope, "decode", err)
		return object, core.ConnectedAccount{}, false, result, err
	}
	if strings.TrimSpace(object.ID) == "" {
		result, err := s.failure(ctx, envelope, "decode", core.BusinessError("handlers: payout id is missing", envelopeFields(envelope)))
		return object, core.ConnectedAccount{}, false, result, err
	}
	// Connect payouts carry the account on the event, not the object.
	externalID := firstNonEmpty(envelope.Account, object.Destination)
	account, found, err := s.lookup(ctx, externalID)
	if err != nil {
		result, err := s.failure(ctx, envelope, "find_account", err)
		return object, core.ConnectedAccount{}, false, result, err
	}
	if !found {
		return object, core.ConnectedAccount{}, false, core.Untracked(map[string]any{
			"external_account_id": externalID,
			"payout_id":           object.ID,
		}), nil
	}
	return object, account, true, core.DispatchResult{}, nil
}

func (s *Set) payoutRecord(envelope core.Envelope, object payoutObject, status string) core.PayoutRecord {
	occurredAt := s.now()
	if envelope.Created > 0 {
		occurredAt = time.Unix(envelope.Created, 0).UTC()
	}
	return core.PayoutRecord{
		PayoutID:       object.ID,
		Amount:         object.Amount,
		Currency:       strings.ToLower(strings.TrimSpace(object.Currency)),
		Status:         firstNonEmpty(object.Status, status),
		FailureCode:    object.FailureCode,
		FailureMessage: object.FailureMessage,
		OccurredAt:     occurredAt,
	}
}
