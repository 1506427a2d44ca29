package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-payhooks/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

const defaultAlertClaimLease = 5 * time.Minute

// AlertOutboxStore keeps critical alerts in payhooks_critical_alerts until a
// sink acknowledges them. Claimed rows whose lease expired are claimable
// again, so a crashed dispatcher does not strand an alert.
type AlertOutboxStore struct {
	db    *bun.DB
	repo  repository.Repository[*criticalAlertRecord]
	lease time.Duration
	now   func() time.Time
}

type AlertOutboxOption func(*AlertOutboxStore)

func WithAlertClaimLease(lease time.Duration) AlertOutboxOption {
	return func(s *AlertOutboxStore) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

func WithAlertClock(now func() time.Time) AlertOutboxOption {
	return func(s *AlertOutboxStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewAlertOutboxStore(db *bun.DB, opts ...AlertOutboxOption) (*AlertOutboxStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*criticalAlertRecord](db, criticalAlertHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid critical alert repository wiring: %w", err)
		}
	}
	store := &AlertOutboxStore{
		db:    db,
		repo:  repo,
		lease: defaultAlertClaimLease,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *AlertOutboxStore) Enqueue(ctx context.Context, alert core.CriticalAlert) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: alert outbox store is not configured")
	}
	alert.ID = strings.TrimSpace(alert.ID)
	if alert.ID == "" {
		return false, core.BadInputError("sqlstore: alert id is required", nil)
	}
	if strings.TrimSpace(alert.Kind) == "" {
		return false, core.BadInputError("sqlstore: alert kind is required", map[string]any{"alert_id": alert.ID})
	}
	now := s.now()
	occurredAt := alert.OccurredAt.UTC()
	if alert.OccurredAt.IsZero() {
		occurredAt = now
	}
	record := &criticalAlertRecord{
		ID:              alert.ID,
		Kind:            strings.TrimSpace(alert.Kind),
		Source:          strings.TrimSpace(alert.Source),
		ExternalEventID: strings.TrimSpace(alert.ExternalEventID),
		AccountID:       strings.TrimSpace(alert.AccountID),
		Summary:         alert.Summary,
		Payload:         core.RedactSensitiveMap(alert.Payload),
		Status:          string(core.AlertStatusPending),
		OccurredAt:      occurredAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if record.Payload == nil {
		record.Payload = map[string]any{}
	}
	res, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *AlertOutboxStore) ClaimBatch(ctx context.Context, limit int) ([]core.CriticalAlert, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: alert outbox store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now := s.now()
	leaseExpired := now.Add(-s.lease)
	var records []criticalAlertRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM payhooks_critical_alerts
	WHERE (status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
	   OR (status = ? AND updated_at <= ?)
	ORDER BY occurred_at ASC
	LIMIT ?
)
UPDATE payhooks_critical_alerts
SET status = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
RETURNING
	id,
	kind,
	source,
	external_event_id,
	account_id,
	summary,
	payload,
	status,
	attempts,
	next_attempt_at,
	last_error,
	occurred_at,
	created_at,
	updated_at,
	delivered_at
`
		return tx.NewRaw(
			query,
			string(core.AlertStatusPending),
			now,
			string(core.AlertStatusDelivering),
			leaseExpired,
			limit,
			string(core.AlertStatusDelivering),
			now,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}
	alerts := make([]core.CriticalAlert, 0, len(records))
	for _, record := range records {
		alerts = append(alerts, record.toDomain())
	}
	return alerts, nil
}

func (s *AlertOutboxStore) Ack(ctx context.Context, alertID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: alert outbox store is not configured")
	}
	alertID = strings.TrimSpace(alertID)
	if alertID == "" {
		return core.BadInputError("sqlstore: alert id is required", nil)
	}
	now := s.now()
	_, err := s.db.NewUpdate().
		Model((*criticalAlertRecord)(nil)).
		Set("status = ?", string(core.AlertStatusDelivered)).
		Set("attempts = attempts + 1").
		Set("last_error = ?", "").
		Set("next_attempt_at = NULL").
		Set("delivered_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", alertID).
		Exec(ctx)
	return err
}

func (s *AlertOutboxStore) Retry(ctx context.Context, alertID string, cause error, nextAttemptAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: alert outbox store is not configured")
	}
	alertID = strings.TrimSpace(alertID)
	if alertID == "" {
		return core.BadInputError("sqlstore: alert id is required", nil)
	}
	status := core.AlertStatusPending
	var next *time.Time
	if nextAttemptAt.IsZero() {
		status = core.AlertStatusDead
	} else {
		value := nextAttemptAt.UTC()
		next = &value
	}
	lastError := ""
	if cause != nil {
		lastError = strings.TrimSpace(cause.Error())
	}
	_, err := s.db.NewUpdate().
		Model((*criticalAlertRecord)(nil)).
		Set("status = ?", string(status)).
		Set("attempts = attempts + 1").
		Set("next_attempt_at = ?", next).
		Set("last_error = ?", lastError).
		Set("updated_at = ?", s.now()).
		Where("id = ?", alertID).
		Exec(ctx)
	return err
}

// Get returns the alert and its delivery status.
func (s *AlertOutboxStore) Get(ctx context.Context, alertID string) (core.CriticalAlert, core.AlertStatus, bool, error) {
	if s == nil || s.repo == nil {
		return core.CriticalAlert{}, "", false, fmt.Errorf("sqlstore: alert outbox store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("id", "=", strings.TrimSpace(alertID)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.CriticalAlert{}, "", false, err
	}
	if len(records) == 0 {
		return core.CriticalAlert{}, "", false, nil
	}
	return records[0].toDomain(), core.AlertStatus(records[0].Status), true, nil
}

func (r criticalAlertRecord) toDomain() core.CriticalAlert {
	return core.CriticalAlert{
		ID:              r.ID,
		Kind:            r.Kind,
		Source:          r.Source,
		ExternalEventID: r.ExternalEventID,
		AccountID:       r.AccountID,
		Summary:         r.Summary,
		Payload:         copyAnyMap(r.Payload),
		OccurredAt:      r.OccurredAt.UTC(),
		Attempts:        r.Attempts,
	}
}

var _ core.AlertOutbox = (*AlertOutboxStore)(nil)
