package handlers

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-payhooks/core"
)

// MemoryAccountDirectory is a process-local AccountDirectory used by local
// runs and tests.
type MemoryAccountDirectory struct {
	mu       sync.Mutex
	accounts map[string]core.ConnectedAccount
	refs     map[string]struct{}
	Now      func() time.Time
}

func NewMemoryAccountDirectory(accounts ...core.ConnectedAccount) *MemoryAccountDirectory {
	directory := &MemoryAccountDirectory{
		accounts: map[string]core.ConnectedAccount{},
		refs:     map[string]struct{}{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, account := range accounts {
		directory.Put(account)
	}
	return directory
}

func (d *MemoryAccountDirectory) Put(account core.ConnectedAccount) {
	d.mu.Lock()
	defer d.mu.Unlock()
	account.RequirementsDue = slices.Clone(account.RequirementsDue)
	d.accounts[strings.TrimSpace(account.ExternalAccountID)] = account
}

func (d *MemoryAccountDirectory) Get(externalAccountID string) (core.ConnectedAccount, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	account, ok := d.accounts[strings.TrimSpace(externalAccountID)]
	account.RequirementsDue = slices.Clone(account.RequirementsDue)
	return account, ok
}

func (d *MemoryAccountDirectory) FindByExternalAccountID(_ context.Context, externalAccountID string) (core.ConnectedAccount, bool, error) {
	account, ok := d.Get(externalAccountID)
	return account, ok, nil
}

func (d *MemoryAccountDirectory) UpdateStatus(_ context.Context, account core.ConnectedAccount, update core.AccountStatusUpdate) (core.ConnectedAccount, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current, ok := d.accounts[account.ExternalAccountID]
	if !ok {
		return core.ConnectedAccount{}, core.NotFoundError("handlers: account not found", map[string]any{"account_id": account.ID})
	}
	current.ChargesEnabled = update.ChargesEnabled
	current.PayoutsEnabled = update.PayoutsEnabled
	current.DetailsSubmitted = update.DetailsSubmitted
	current.RequirementsDue = slices.Clone(update.RequirementsDue)
	current.OnboardingComplete = update.OnboardingComplete
	current.OnboardedAt = update.OnboardedAt
	current.UpdatedAt = d.Now()
	d.accounts[account.ExternalAccountID] = current
	return current, nil
}

func (d *MemoryAccountDirectory) RecordPayout(_ context.Context, account core.ConnectedAccount, payout core.PayoutRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	current, ok := d.accounts[account.ExternalAccountID]
	if !ok {
		return core.NotFoundError("handlers: account not found", map[string]any{"account_id": account.ID})
	}
	current.LastPayoutID = payout.PayoutID
	current.LastPayoutAmount = payout.Amount
	current.LastPayoutCurrency = payout.Currency
	current.LastPayoutStatus = payout.Status
	if payout.FailureCode != "" || payout.FailureMessage != "" {
		current.LastFailureCode = payout.FailureCode
		current.LastFailureMessage = payout.FailureMessage
	}
	current.UpdatedAt = d.Now()
	d.accounts[account.ExternalAccountID] = current
	return nil
}

func (d *MemoryAccountDirectory) IncrementFailureCount(_ context.Context, account core.ConnectedAccount, increment core.FailureIncrement) (int, bool, error) {
	if !increment.Kind.Valid() {
		return 0, false, core.BadInputError("handlers: failure kind is invalid", map[string]any{"kind": string(increment.Kind)})
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	current, ok := d.accounts[account.ExternalAccountID]
	if !ok {
		return 0, false, core.NotFoundError("handlers: account not found", map[string]any{"account_id": account.ID})
	}
	ref := string(increment.Kind) + ":" + current.ExternalAccountID + ":" + strings.TrimSpace(increment.Reference)
	_, seen := d.refs[ref]
	if !seen && strings.TrimSpace(increment.Reference) != "" {
		d.refs[ref] = struct{}{}
	}
	applied := !seen
	if applied {
		switch increment.Kind {
		case core.FailureKindPayout:
			current.PayoutFailureCount++
		case core.FailureKindTransfer:
			current.TransferFailureCount++
		}
		current.UpdatedAt = d.Now()
		d.accounts[account.ExternalAccountID] = current
	}
	if increment.Kind == core.FailureKindPayout {
		return current.PayoutFailureCount, applied, nil
	}
	return current.TransferFailureCount, applied, nil
}

var _ core.AccountDirectory = (*MemoryAccountDirectory)(nil)
