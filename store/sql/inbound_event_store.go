package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-payhooks/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// InboundEventStore persists inbound events in payhooks_inbound_events. The
// unique index on (source, external_event_id) and guarded updates make it
// safe to share between any number of instances.
type InboundEventStore struct {
	db   *bun.DB
	repo repository.Repository[*inboundEventRecord]
	now  func() time.Time
}

func NewInboundEventStore(db *bun.DB) (*InboundEventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*inboundEventRecord](db, inboundEventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid inbound event repository wiring: %w", err)
		}
	}
	return &InboundEventStore{
		db:   db,
		repo: repo,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *InboundEventStore) Find(ctx context.Context, source string, externalEventID string) (core.InboundEvent, bool, error) {
	if s == nil || s.db == nil {
		return core.InboundEvent{}, false, fmt.Errorf("sqlstore: inbound event store is not configured")
	}
	key := core.EventKey{Source: strings.TrimSpace(source), ExternalEventID: strings.TrimSpace(externalEventID)}
	if err := key.Validate(); err != nil {
		return core.InboundEvent{}, false, err
	}
	record := &inboundEventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.source = ?", key.Source).
		Where("?TableAlias.external_event_id = ?", key.ExternalEventID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.InboundEvent{}, false, nil
		}
		return core.InboundEvent{}, false, err
	}
	return record.toDomain(), true, nil
}

// InsertIfAbsent inserts with ON CONFLICT DO NOTHING on the unique key; a
// losing insert affects no rows and reads back the row that won.
func (s *InboundEventStore) InsertIfAbsent(ctx context.Context, in core.NewInboundEvent) (core.InboundEvent, bool, error) {
	if s == nil || s.db == nil {
		return core.InboundEvent{}, false, fmt.Errorf("sqlstore: inbound event store is not configured")
	}
	in.Source = strings.TrimSpace(in.Source)
	in.ExternalEventID = strings.TrimSpace(in.ExternalEventID)
	in.EventType = strings.TrimSpace(in.EventType)
	if err := in.Validate(); err != nil {
		return core.InboundEvent{}, false, err
	}
	now := in.ReceivedAt.UTC()
	if in.ReceivedAt.IsZero() {
		now = s.now()
	}
	record := &inboundEventRecord{
		ID:              uuid.NewString(),
		Source:          in.Source,
		ExternalEventID: in.ExternalEventID,
		EventType:       in.EventType,
		RawPayload:      bytes.Clone(in.RawPayload),
		Status:          string(core.EventStatusPending),
		ResultSummary:   map[string]any{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if record.RawPayload == nil {
		record.RawPayload = []byte{}
	}
	res, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (source, external_event_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return core.InboundEvent{}, false, err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return record.toDomain(), true, nil
	}
	existing, found, err := s.Find(ctx, in.Source, in.ExternalEventID)
	if err != nil {
		return core.InboundEvent{}, false, err
	}
	if !found {
		return core.InboundEvent{}, false, fmt.Errorf("sqlstore: inbound event %s vanished after conflict", in.Key())
	}
	return existing, false, nil
}

// Transition is a single guarded UPDATE. ok is false, with the current row,
// when another worker moved the event first.
func (s *InboundEventStore) Transition(ctx context.Context, in core.TransitionInput) (core.InboundEvent, bool, error) {
	if s == nil || s.db == nil {
		return core.InboundEvent{}, false, fmt.Errorf("sqlstore: inbound event store is not configured")
	}
	if err := in.Validate(); err != nil {
		return core.InboundEvent{}, false, err
	}
	if in.Extra.UpdatedAt.IsZero() {
		in.Extra.UpdatedAt = s.now()
	}
	summary, err := json.Marshal(copyAnyMap(in.Extra.ResultSummary))
	if err != nil {
		return core.InboundEvent{}, false, core.WrapBadInput(err, "sqlstore: result summary is not encodable", nil)
	}

	res, err := s.db.NewUpdate().
		Model((*inboundEventRecord)(nil)).
		Set("status = ?", string(in.To)).
		Set("attempt_count = ?", in.Extra.AttemptCount).
		Set("retryable = ?", in.Extra.Retryable).
		Set("last_error = ?", in.Extra.LastError).
		Set("result_summary = ?", string(summary)).
		Set("processing_started_at = ?", utcPointer(in.Extra.ProcessingStartedAt)).
		Set("finished_at = ?", utcPointer(in.Extra.FinishedAt)).
		Set("updated_at = ?", in.Extra.UpdatedAt.UTC()).
		Where("id = ?", strings.TrimSpace(in.Event.ID)).
		Where("status = ?", string(in.From)).
		Where("attempt_count = ?", in.Event.AttemptCount).
		Exec(ctx)
	if err != nil {
		return core.InboundEvent{}, false, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		current, found, findErr := s.Find(ctx, in.Event.Source, in.Event.ExternalEventID)
		if findErr != nil || !found {
			return core.InboundEvent{}, false, findErr
		}
		return current, false, nil
	}
	return in.Apply(), true, nil
}

func (s *InboundEventStore) ListStuck(ctx context.Context, startedBefore time.Time, limit int) ([]core.InboundEvent, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: inbound event store is not configured")
	}
	selectors := []repository.SelectCriteria{
		repository.SelectBy("status", "=", string(core.EventStatusProcessing)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.processing_started_at IS NOT NULL").
				Where("?TableAlias.processing_started_at < ?", startedBefore.UTC())
		}),
		repository.OrderBy("processing_started_at ASC"),
	}
	if limit > 0 {
		selectors = append(selectors, repository.SelectPaginate(limit, 0))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	return recordsToEvents(records), nil
}

func (s *InboundEventStore) ListFailed(ctx context.Context, filter core.FailedEventFilter) ([]core.InboundEvent, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: inbound event store is not configured")
	}
	selectors := []repository.SelectCriteria{
		repository.SelectBy("status", "=", string(core.EventStatusFailed)),
		repository.OrderBy("updated_at DESC"),
	}
	if source := strings.TrimSpace(filter.Source); source != "" {
		selectors = append(selectors, repository.SelectBy("source", "=", source))
	}
	if filter.RetryableOnly {
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.retryable = ?", true)
		}))
	}
	if filter.Limit > 0 {
		selectors = append(selectors, repository.SelectPaginate(filter.Limit, 0))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	return recordsToEvents(records), nil
}

func (r *inboundEventRecord) toDomain() core.InboundEvent {
	if r == nil {
		return core.InboundEvent{}
	}
	return core.InboundEvent{
		ID:                  r.ID,
		Source:              r.Source,
		ExternalEventID:     r.ExternalEventID,
		EventType:           r.EventType,
		RawPayload:          bytes.Clone(r.RawPayload),
		Status:              core.EventStatus(r.Status),
		AttemptCount:        r.AttemptCount,
		Retryable:           r.Retryable,
		LastError:           r.LastError,
		ResultSummary:       copyAnyMap(r.ResultSummary),
		CreatedAt:           r.CreatedAt.UTC(),
		UpdatedAt:           r.UpdatedAt.UTC(),
		ProcessingStartedAt: utcPointer(r.ProcessingStartedAt),
		FinishedAt:          utcPointer(r.FinishedAt),
	}
}

func recordsToEvents(records []*inboundEventRecord) []core.InboundEvent {
	out := make([]core.InboundEvent, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := value.UTC()
	return &copied
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var _ core.EventStore = (*InboundEventStore)(nil)
