package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-payhooks/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AccountStore is the SQL AccountDirectory. Counter updates are single
// statements inside a transaction that also records the failure reference.
type AccountStore struct {
	db   *bun.DB
	repo repository.Repository[*connectedAccountRecord]
	now  func() time.Time
}

func NewAccountStore(db *bun.DB) (*AccountStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*connectedAccountRecord](db, connectedAccountHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid connected account repository wiring: %w", err)
		}
	}
	return &AccountStore{
		db:   db,
		repo: repo,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// Save inserts the account, or overwrites it when the external id exists.
func (s *AccountStore) Save(ctx context.Context, account core.ConnectedAccount) (core.ConnectedAccount, error) {
	if s == nil || s.db == nil {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account store is not configured")
	}
	account.ExternalAccountID = strings.TrimSpace(account.ExternalAccountID)
	if account.ExternalAccountID == "" {
		return core.ConnectedAccount{}, core.BadInputError("sqlstore: external account id is required", nil)
	}
	now := s.now()
	if strings.TrimSpace(account.ID) == "" {
		account.ID = uuid.NewString()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	record := newConnectedAccountRecord(account)

	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (external_account_id) DO UPDATE").
		Set("owner_id = EXCLUDED.owner_id").
		Set("email = EXCLUDED.email").
		Set("charges_enabled = EXCLUDED.charges_enabled").
		Set("payouts_enabled = EXCLUDED.payouts_enabled").
		Set("details_submitted = EXCLUDED.details_submitted").
		Set("requirements_due = EXCLUDED.requirements_due").
		Set("onboarding_complete = EXCLUDED.onboarding_complete").
		Set("onboarded_at = EXCLUDED.onboarded_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return core.ConnectedAccount{}, err
	}
	saved, found, err := s.FindByExternalAccountID(ctx, account.ExternalAccountID)
	if err != nil {
		return core.ConnectedAccount{}, err
	}
	if !found {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account %q not readable after save", account.ExternalAccountID)
	}
	return saved, nil
}

func (s *AccountStore) FindByExternalAccountID(ctx context.Context, externalAccountID string) (core.ConnectedAccount, bool, error) {
	if s == nil || s.repo == nil {
		return core.ConnectedAccount{}, false, fmt.Errorf("sqlstore: account store is not configured")
	}
	externalAccountID = strings.TrimSpace(externalAccountID)
	if externalAccountID == "" {
		return core.ConnectedAccount{}, false, nil
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("external_account_id", "=", externalAccountID),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.ConnectedAccount{}, false, err
	}
	if len(records) == 0 {
		return core.ConnectedAccount{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

func (s *AccountStore) UpdateStatus(ctx context.Context, account core.ConnectedAccount, update core.AccountStatusUpdate) (core.ConnectedAccount, error) {
	if s == nil || s.db == nil {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account store is not configured")
	}
	externalID := strings.TrimSpace(account.ExternalAccountID)
	requirements, err := encodeStrings(core.NormalizeRequirements(update.RequirementsDue))
	if err != nil {
		return core.ConnectedAccount{}, err
	}
	res, err := s.db.NewUpdate().
		Model((*connectedAccountRecord)(nil)).
		Set("charges_enabled = ?", update.ChargesEnabled).
		Set("payouts_enabled = ?", update.PayoutsEnabled).
		Set("details_submitted = ?", update.DetailsSubmitted).
		Set("requirements_due = ?", requirements).
		Set("onboarding_complete = ?", update.OnboardingComplete).
		Set("onboarded_at = ?", utcPointer(update.OnboardedAt)).
		Set("updated_at = ?", s.now()).
		Where("external_account_id = ?", externalID).
		Exec(ctx)
	if err != nil {
		return core.ConnectedAccount{}, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return core.ConnectedAccount{}, accountNotFound(account)
	}
	updated, found, err := s.FindByExternalAccountID(ctx, externalID)
	if err != nil {
		return core.ConnectedAccount{}, err
	}
	if !found {
		return core.ConnectedAccount{}, accountNotFound(account)
	}
	return updated, nil
}

func (s *AccountStore) RecordPayout(ctx context.Context, account core.ConnectedAccount, payout core.PayoutRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: account store is not configured")
	}
	query := s.db.NewUpdate().
		Model((*connectedAccountRecord)(nil)).
		Set("last_payout_id = ?", strings.TrimSpace(payout.PayoutID)).
		Set("last_payout_amount = ?", payout.Amount).
		Set("last_payout_currency = ?", payout.Currency).
		Set("last_payout_status = ?", payout.Status).
		Set("updated_at = ?", s.now()).
		Where("external_account_id = ?", strings.TrimSpace(account.ExternalAccountID))
	if payout.FailureCode != "" || payout.FailureMessage != "" {
		query = query.
			Set("last_failure_code = ?", payout.FailureCode).
			Set("last_failure_message = ?", payout.FailureMessage)
	}
	res, err := query.Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return accountNotFound(account)
	}
	return nil
}

func (s *AccountStore) IncrementFailureCount(ctx context.Context, account core.ConnectedAccount, increment core.FailureIncrement) (int, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, fmt.Errorf("sqlstore: account store is not configured")
	}
	if !increment.Kind.Valid() {
		return 0, false, core.BadInputError("sqlstore: failure kind is invalid", map[string]any{"kind": string(increment.Kind)})
	}
	column := "payout_failure_count"
	if increment.Kind == core.FailureKindTransfer {
		column = "transfer_failure_count"
	}
	externalID := strings.TrimSpace(account.ExternalAccountID)
	reference := strings.TrimSpace(increment.Reference)
	now := s.now()

	var count int
	applied := true
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if reference != "" {
			res, err := tx.NewInsert().
				Model(&accountFailureRefRecord{
					Kind:              string(increment.Kind),
					ExternalAccountID: externalID,
					Reference:         reference,
					CreatedAt:         now,
				}).
				On("CONFLICT DO NOTHING").
				Exec(ctx)
			if err != nil {
				return err
			}
			if affected, _ := res.RowsAffected(); affected == 0 {
				applied = false
			}
		}
		if applied {
			res, err := tx.NewUpdate().
				Model((*connectedAccountRecord)(nil)).
				Set("? = ? + 1", bun.Ident(column), bun.Ident(column)).
				Set("updated_at = ?", now).
				Where("external_account_id = ?", externalID).
				Exec(ctx)
			if err != nil {
				return err
			}
			if affected, _ := res.RowsAffected(); affected == 0 {
				return accountNotFound(account)
			}
		}
		return tx.NewSelect().
			Model((*connectedAccountRecord)(nil)).
			Column(column).
			Where("external_account_id = ?", externalID).
			Scan(ctx, &count)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, accountNotFound(account)
		}
		return 0, false, err
	}
	return count, applied, nil
}

func newConnectedAccountRecord(account core.ConnectedAccount) *connectedAccountRecord {
	return &connectedAccountRecord{
		ID:                   strings.TrimSpace(account.ID),
		ExternalAccountID:    strings.TrimSpace(account.ExternalAccountID),
		OwnerID:              strings.TrimSpace(account.OwnerID),
		Email:                strings.TrimSpace(account.Email),
		ChargesEnabled:       account.ChargesEnabled,
		PayoutsEnabled:       account.PayoutsEnabled,
		DetailsSubmitted:     account.DetailsSubmitted,
		RequirementsDue:      core.NormalizeRequirements(account.RequirementsDue),
		OnboardingComplete:   account.OnboardingComplete,
		OnboardedAt:          utcPointer(account.OnboardedAt),
		PayoutFailureCount:   account.PayoutFailureCount,
		TransferFailureCount: account.TransferFailureCount,
		LastPayoutID:         account.LastPayoutID,
		LastPayoutAmount:     account.LastPayoutAmount,
		LastPayoutCurrency:   account.LastPayoutCurrency,
		LastPayoutStatus:     account.LastPayoutStatus,
		LastFailureCode:      account.LastFailureCode,
		LastFailureMessage:   account.LastFailureMessage,
		CreatedAt:            account.CreatedAt.UTC(),
		UpdatedAt:            account.UpdatedAt.UTC(),
	}
}

func (r *connectedAccountRecord) toDomain() core.ConnectedAccount {
	if r == nil {
		return core.ConnectedAccount{}
	}
	return core.ConnectedAccount{
		ID:                   r.ID,
		ExternalAccountID:    r.ExternalAccountID,
		OwnerID:              r.OwnerID,
		Email:                r.Email,
		ChargesEnabled:       r.ChargesEnabled,
		PayoutsEnabled:       r.PayoutsEnabled,
		DetailsSubmitted:     r.DetailsSubmitted,
		RequirementsDue:      slices.Clone(r.RequirementsDue),
		OnboardingComplete:   r.OnboardingComplete,
		OnboardedAt:          utcPointer(r.OnboardedAt),
		PayoutFailureCount:   r.PayoutFailureCount,
		TransferFailureCount: r.TransferFailureCount,
		LastPayoutID:         r.LastPayoutID,
		LastPayoutAmount:     r.LastPayoutAmount,
		LastPayoutCurrency:   r.LastPayoutCurrency,
		LastPayoutStatus:     r.LastPayoutStatus,
		LastFailureCode:      r.LastFailureCode,
		LastFailureMessage:   r.LastFailureMessage,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
	}
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func accountNotFound(account core.ConnectedAccount) error {
	return core.NotFoundError("sqlstore: connected account not found", map[string]any{
		"account_id":          account.ID,
		"external_account_id": account.ExternalAccountID,
	})
}

var _ core.AccountDirectory = (*AccountStore)(nil)
