package handlers

import (
	"context"
	"slices"

	"github.com/goliatone/go-payhooks/core"
)

func (s *Set) HandleAccountUpdated(ctx context.Context, envelope core.Envelope) (core.DispatchResult, error) {
	var object accountObject
	if err := envelope.DecodeObject(&object); err != nil {
		return s.failure(ctx, envelope, "decode", err)
	}
	externalID := firstNonEmpty(object.ID, envelope.Account)
	if externalID == "" {
		return s.failure(ctx, envelope, "decode", core.BusinessError("handlers: account id is missing", envelopeFields(envelope)))
	}
	account, found, err := s.lookup(ctx, externalID)
	if err != nil {
		return s.failure(ctx, envelope, "find_account", err)
	}
	if !found {
		return core.Untracked(map[string]any{"external_account_id": externalID}), nil
	}

	update := core.AccountStatusUpdate{
		ChargesEnabled:   object.ChargesEnabled,
		PayoutsEnabled:   object.PayoutsEnabled,
		DetailsSubmitted: object.DetailsSubmitted,
		RequirementsDue:  core.NormalizeRequirements(object.Requirements.CurrentlyDue, object.Requirements.PastDue),
	}
	return s.applyStatus(ctx, envelope, account, update)
}

// HandleCapabilityUpdated drops any cached view of the account and
// reconciles its status from the processor.
func (s *Set) HandleCapabilityUpdated(ctx context.Context, envelope core.Envelope) (core.DispatchResult, error) {
	var object capabilityObject
	if err := envelope.DecodeObject(&object); err != nil {
		return s.failure(ctx, envelope, "decode", err)
	}
	externalID := firstNonEmpty(object.Account, envelope.Account)
	if externalID == "" {
		return s.failure(ctx, envelope, "decode", core.BusinessError("handlers: capability account is missing", envelopeFields(envelope)))
	}

	if invalidator, ok := s.accounts.(core.AccountCacheInvalidator); ok {
		if err := invalidator.Invalidate(ctx, externalID); err != nil {
			return s.failure(ctx, envelope, "invalidate_account", err)
		}
	}
	account, found, err := s.lookup(ctx, externalID)
	if err != nil {
		return s.failure(ctx, envelope, "find_account", err)
	}
	if !found {
		return core.Untracked(map[string]any{"external_account_id": externalID}), nil
	}
	if s.statusSource == nil {
		return core.Handled(map[string]any{
			"tracked":         true,
			"account_id":      account.ID,
			"capability":      object.ID,
			"refresh_skipped": true,
		}), nil
	}

	update, err := s.statusSource.FetchAccountStatus(ctx, externalID)
	if err != nil {
		return s.failure(ctx, envelope, "fetch_account_status", err)
	}
	update.RequirementsDue = core.NormalizeRequirements(update.RequirementsDue)
	result, err := s.applyStatus(ctx, envelope, account, update)
	if err == nil && result.Success {
		result.Detail["capability"] = object.ID
		result.Detail["reconciled"] = true
	}
	return result, err
}

// applyStatus writes the new flags and fires the onboarding and
// requirement notifications. Replaying the same update is a no-op for
// notifications because the onboarding flag and requirement set already
// match.
func (s *Set) applyStatus(
	ctx context.Context,
	envelope core.Envelope,
	account core.ConnectedAccount,
	update core.AccountStatusUpdate,
) (core.DispatchResult, error) {
	crossed := !account.OnboardingComplete && update.FullyOnboarded()
	update.OnboardingComplete = account.OnboardingComplete || crossed
	update.OnboardedAt = account.OnboardedAt
	if crossed {
		now := s.now()
		update.OnboardedAt = &now
	}
	added := newRequirements(account.RequirementsDue, update.RequirementsDue)

	updated, err := s.accounts.UpdateStatus(ctx, account, update)
	if err != nil {
		return s.failure(ctx, envelope, "update_status", err)
	}

	notified := []string{}
	if crossed {
		if s.notify(ctx, envelope, updated, core.Notification{
			Kind:    core.NotificationAccountOnboarded,
			Subject: "Your account is ready to receive payouts",
			Data:    map[string]any{"account_id": updated.ID},
		}) {
			notified = append(notified, core.NotificationAccountOnboarded)
		}
	}
	if len(added) > 0 {
		if s.notify(ctx, envelope, updated, core.Notification{
			Kind:    core.NotificationAccountRequirementsDue,
			Subject: "Action required on your account",
			Data:    map[string]any{"account_id": updated.ID, "requirements": added},
		}) {
			notified = append(notified, core.NotificationAccountRequirementsDue)
		}
	}

	return core.Handled(map[string]any{
		"tracked":              true,
		"account_id":           updated.ID,
		"charges_enabled":      updated.ChargesEnabled,
		"payouts_enabled":      updated.PayoutsEnabled,
		"onboarding_completed": crossed,
		"new_requirements":     len(added),
		"notified":             notified,
	}), nil
}

func newRequirements(previous []string, current []string) []string {
	added := []string{}
	for _, requirement := range current {
		if !slices.Contains(previous, requirement) {
			added = append(added, requirement)
		}
	}
	return added
}
