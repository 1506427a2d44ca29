package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-payhooks/core"
	servicemigrations "github.com/goliatone/go-payhooks/migrations"
	sqlstore "github.com/goliatone/go-payhooks/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-payhooks-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{"payhooks_inbound_events", "payhooks_connected_accounts", "payhooks_critical_alerts"} {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if tableName != table {
			t.Fatalf("expected %s table, got %q", table, tableName)
		}
	}
}

func TestInboundEventStore_InsertIfAbsentIsUniquePerKey(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	store := factory.EventStore()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	ids := map[string]struct{}{}
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			event, inserted, err := store.InsertIfAbsent(ctx, core.NewInboundEvent{
				Source:          "stripe",
				ExternalEventID: "evt_1",
				EventType:       "payout.paid",
				RawPayload:      []byte(`{"id":"evt_1"}`),
			})
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if inserted {
				created++
			}
			ids[event.ID] = struct{}{}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one insert to win, got %d", created)
	}
	if len(ids) != 1 {
		t.Fatalf("expected every caller to observe the same row, got %v", ids)
	}

	event, found, err := store.Find(ctx, "stripe", "evt_1")
	if err != nil || !found {
		t.Fatalf("find: found=%v err=%v", found, err)
	}
	if event.Status != core.EventStatusPending || string(event.RawPayload) != `{"id":"evt_1"}` {
		t.Fatalf("unexpected stored event: %+v", event)
	}

	if _, found, err := store.Find(ctx, "other", "evt_1"); err != nil || found {
		t.Fatalf("expected key to be scoped by source, found=%v err=%v", found, err)
	}
}

func TestInboundEventStore_InsertIfAbsentKeepsWinningRow(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).EventStore()

	first, inserted, err := store.InsertIfAbsent(ctx, core.NewInboundEvent{
		Source:          "stripe",
		ExternalEventID: "evt_keep",
		EventType:       "payout.paid",
		RawPayload:      []byte(`{"v":1}`),
	})
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	again, inserted, err := store.InsertIfAbsent(ctx, core.NewInboundEvent{
		Source:          "stripe",
		ExternalEventID: "evt_keep",
		EventType:       "payout.failed",
		RawPayload:      []byte(`{"v":2}`),
	})
	if err != nil {
		t.Fatalf("conflicting insert should not error: %v", err)
	}
	if inserted {
		t.Fatalf("expected conflicting insert to report an existing row")
	}
	if again.ID != first.ID || again.EventType != "payout.paid" || string(again.RawPayload) != `{"v":1}` {
		t.Fatalf("expected the winning row untouched, got %+v", again)
	}
}

func TestInboundEventStore_TransitionIsGuarded(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).EventStore()
	event, _, err := store.InsertIfAbsent(ctx, core.NewInboundEvent{Source: "stripe", ExternalEventID: "evt_2", EventType: "payout.failed"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	startedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	claim := core.TransitionInput{
		Event: event,
		From:  core.EventStatusPending,
		To:    core.EventStatusProcessing,
		Extra: core.TransitionExtra{AttemptCount: 1, Retryable: true, ProcessingStartedAt: &startedAt},
	}
	claimed, ok, err := store.Transition(ctx, claim)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if claimed.AttemptCount != 1 || claimed.Status != core.EventStatusProcessing {
		t.Fatalf("unexpected claimed event: %+v", claimed)
	}

	current, ok, err := store.Transition(ctx, claim)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("expected the second claim to lose")
	}
	if current.Status != core.EventStatusProcessing || current.AttemptCount != 1 {
		t.Fatalf("expected loser to observe the winning row, got %+v", current)
	}

	// A stale worker that still holds attempt 0 cannot finalize.
	stale := claimed
	stale.AttemptCount = 0
	if _, ok, err := store.Transition(ctx, core.TransitionInput{
		Event: stale,
		From:  core.EventStatusProcessing,
		To:    core.EventStatusProcessed,
		Extra: core.TransitionExtra{AttemptCount: 0},
	}); err != nil || ok {
		t.Fatalf("expected stale finalize to be refused, ok=%v err=%v", ok, err)
	}

	finishedAt := startedAt.Add(time.Second)
	processed, ok, err := store.Transition(ctx, core.TransitionInput{
		Event: claimed,
		From:  core.EventStatusProcessing,
		To:    core.EventStatusProcessed,
		Extra: core.TransitionExtra{
			AttemptCount:  1,
			ResultSummary: map[string]any{"success": true, "payout_id": "po_1"},
			FinishedAt:    &finishedAt,
		},
	})
	if err != nil || !ok {
		t.Fatalf("finalize: ok=%v err=%v", ok, err)
	}
	reloaded, _, err := store.Find(ctx, "stripe", "evt_2")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != processed.Status || reloaded.ResultSummary["payout_id"] != "po_1" {
		t.Fatalf("unexpected persisted event: %+v", reloaded)
	}
	if reloaded.ProcessingStartedAt != nil || reloaded.FinishedAt == nil {
		t.Fatalf("expected claim time cleared and finish time set, got %+v", reloaded)
	}

	if _, _, err := store.Transition(ctx, core.TransitionInput{
		Event: reloaded,
		From:  core.EventStatusProcessed,
		To:    core.EventStatusProcessing,
	}); !core.HasTextCode(err, core.ErrorBadInput) {
		t.Fatalf("expected processed to be terminal, got %v", err)
	}
}

func TestInboundEventStore_GatekeeperSingleClaim(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).EventStore()
	gatekeeper, err := core.NewGatekeeper(store)
	if err != nil {
		t.Fatalf("new gatekeeper: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	proceeded := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := gatekeeper.Admit(ctx, core.NewInboundEvent{
				Source:          "stripe",
				ExternalEventID: "evt_race",
				EventType:       "transfer.failed",
			})
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			if decision.Proceed {
				mu.Lock()
				proceeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if proceeded != 1 {
		t.Fatalf("expected one worker to claim the event, got %d", proceeded)
	}
	event, _, _ := store.Find(ctx, "stripe", "evt_race")
	if event.Status != core.EventStatusProcessing || event.AttemptCount != 1 {
		t.Fatalf("unexpected claimed event: %+v", event)
	}
}

func TestInboundEventStore_ListStuckAndFailed(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).EventStore()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	claim := func(id string, startedAt time.Time) core.InboundEvent {
		event, _, err := store.InsertIfAbsent(ctx, core.NewInboundEvent{Source: "stripe", ExternalEventID: id, EventType: "payout.paid"})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		claimed, ok, err := store.Transition(ctx, core.TransitionInput{
			Event: event,
			From:  core.EventStatusPending,
			To:    core.EventStatusProcessing,
			Extra: core.TransitionExtra{AttemptCount: 1, Retryable: true, ProcessingStartedAt: &startedAt},
		})
		if err != nil || !ok {
			t.Fatalf("claim %s: ok=%v err=%v", id, ok, err)
		}
		return claimed
	}
	claim("evt_old", base.Add(-10*time.Minute))
	claim("evt_older", base.Add(-20*time.Minute))
	fresh := claim("evt_fresh", base.Add(-time.Minute))

	stuck, err := store.ListStuck(ctx, base.Add(-5*time.Minute), 10)
	if err != nil {
		t.Fatalf("list stuck: %v", err)
	}
	if len(stuck) != 2 || stuck[0].ExternalEventID != "evt_older" || stuck[1].ExternalEventID != "evt_old" {
		t.Fatalf("expected oldest claims first, got %+v", stuck)
	}

	if _, ok, err := store.Transition(ctx, core.TransitionInput{
		Event: fresh,
		From:  core.EventStatusProcessing,
		To:    core.EventStatusFailed,
		Extra: core.TransitionExtra{AttemptCount: 1, Retryable: false, LastError: "rejected", UpdatedAt: base},
	}); err != nil || !ok {
		t.Fatalf("fail fresh: ok=%v err=%v", ok, err)
	}

	failed, err := store.ListFailed(ctx, core.FailedEventFilter{Source: "stripe"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].LastError != "rejected" {
		t.Fatalf("unexpected failed listing: %+v", failed)
	}
	retryable, err := store.ListFailed(ctx, core.FailedEventFilter{RetryableOnly: true})
	if err != nil {
		t.Fatalf("list retryable: %v", err)
	}
	if len(retryable) != 0 {
		t.Fatalf("expected no retryable failures, got %+v", retryable)
	}
}

func TestAccountStore_IncrementFailureCountIsIdempotentPerReference(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).AccountStore()
	account, err := store.Save(ctx, core.ConnectedAccount{ExternalAccountID: "acct_1", Email: "owner@example.com"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.IncrementFailureCount(ctx, account, core.FailureIncrement{Kind: core.FailureKindTransfer, Reference: "tr_1"})
			if err != nil {
				t.Errorf("increment: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("expected one applied increment, got %d", applied)
	}

	count, ok, err := store.IncrementFailureCount(ctx, account, core.FailureIncrement{Kind: core.FailureKindTransfer, Reference: "tr_2"})
	if err != nil || !ok || count != 2 {
		t.Fatalf("expected second reference to count, count=%d ok=%v err=%v", count, ok, err)
	}
	count, _, err = store.IncrementFailureCount(ctx, account, core.FailureIncrement{Kind: core.FailureKindPayout, Reference: "tr_1"})
	if err != nil || count != 1 {
		t.Fatalf("expected payout counter to be independent, count=%d err=%v", count, err)
	}

	_, _, err = store.IncrementFailureCount(ctx, core.ConnectedAccount{ExternalAccountID: "acct_missing"}, core.FailureIncrement{Kind: core.FailureKindPayout})
	if !core.HasTextCode(err, core.ErrorNotFound) {
		t.Fatalf("expected not found for unknown account, got %v", err)
	}
}

func TestAccountStore_UpdateStatusAndRecordPayout(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).AccountStore()
	account, err := store.Save(ctx, core.ConnectedAccount{ExternalAccountID: "acct_2"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	onboardedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	updated, err := store.UpdateStatus(ctx, account, core.AccountStatusUpdate{
		ChargesEnabled:     true,
		PayoutsEnabled:     true,
		RequirementsDue:    []string{"b", "a", "a"},
		OnboardingComplete: true,
		OnboardedAt:        &onboardedAt,
	})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if !updated.OnboardingComplete || strings.Join(updated.RequirementsDue, ",") != "a,b" {
		t.Fatalf("unexpected updated account: %+v", updated)
	}
	if updated.OnboardedAt == nil || !updated.OnboardedAt.Equal(onboardedAt) {
		t.Fatalf("expected onboarded_at to persist, got %v", updated.OnboardedAt)
	}

	if err := store.RecordPayout(ctx, account, core.PayoutRecord{
		PayoutID:    "po_9",
		Amount:      1250,
		Currency:    "usd",
		Status:      "failed",
		FailureCode: "account_closed",
	}); err != nil {
		t.Fatalf("record payout: %v", err)
	}
	reloaded, found, err := store.FindByExternalAccountID(ctx, "acct_2")
	if err != nil || !found {
		t.Fatalf("find: found=%v err=%v", found, err)
	}
	if reloaded.LastPayoutID != "po_9" || reloaded.LastPayoutAmount != 1250 || reloaded.LastFailureCode != "account_closed" {
		t.Fatalf("unexpected payout fields: %+v", reloaded)
	}

	if err := store.RecordPayout(ctx, core.ConnectedAccount{ExternalAccountID: "acct_missing"}, core.PayoutRecord{PayoutID: "po_1"}); !core.HasTextCode(err, core.ErrorNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAlertOutboxStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	outbox, err := sqlstore.NewAlertOutboxStore(factory.DB(), sqlstore.WithAlertClock(clock), sqlstore.WithAlertClaimLease(time.Minute))
	if err != nil {
		t.Fatalf("new outbox: %v", err)
	}

	alert := core.CriticalAlert{
		ID:              core.AlertID(core.AlertKindTransferFailed, core.EventKey{Source: "stripe", ExternalEventID: "evt_tf"}),
		Kind:            core.AlertKindTransferFailed,
		Source:          "stripe",
		ExternalEventID: "evt_tf",
		Summary:         "transfer tr_1 failed",
		Payload:         map[string]any{"transfer_id": "tr_1", "api_key": "sk_live"},
		OccurredAt:      now,
	}
	created, err := outbox.Enqueue(ctx, alert)
	if err != nil || !created {
		t.Fatalf("enqueue: created=%v err=%v", created, err)
	}
	created, err = outbox.Enqueue(ctx, alert)
	if err != nil || created {
		t.Fatalf("expected repeat enqueue to be a no-op, created=%v err=%v", created, err)
	}

	claimed, err := outbox.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != alert.ID {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	if claimed[0].Payload["api_key"] == "sk_live" {
		t.Fatalf("expected sensitive payload keys to be redacted")
	}
	if again, _ := outbox.ClaimBatch(ctx, 10); len(again) != 0 {
		t.Fatalf("expected claimed alert to be leased, got %+v", again)
	}

	if err := outbox.Retry(ctx, alert.ID, errors.New("broker down"), now.Add(30*time.Second)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if early, _ := outbox.ClaimBatch(ctx, 10); len(early) != 0 {
		t.Fatalf("expected backoff to hold the alert, got %+v", early)
	}
	now = now.Add(time.Minute)
	retried, err := outbox.ClaimBatch(ctx, 10)
	if err != nil || len(retried) != 1 || retried[0].Attempts != 1 {
		t.Fatalf("expected retried alert after backoff, got %+v err=%v", retried, err)
	}

	if err := outbox.Ack(ctx, alert.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	_, status, found, err := outbox.Get(ctx, alert.ID)
	if err != nil || !found || status != core.AlertStatusDelivered {
		t.Fatalf("expected delivered alert, status=%s found=%v err=%v", status, found, err)
	}
}

func TestAlertOutboxStore_DeadAndLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	outbox, err := sqlstore.NewAlertOutboxStore(factory.DB(),
		sqlstore.WithAlertClock(func() time.Time { return now }),
		sqlstore.WithAlertClaimLease(time.Minute),
	)
	if err != nil {
		t.Fatalf("new outbox: %v", err)
	}
	for _, id := range []string{"alert-dead", "alert-abandoned"} {
		if _, err := outbox.Enqueue(ctx, core.CriticalAlert{ID: id, Kind: core.AlertKindTransferFailed, OccurredAt: now}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if claimed, err := outbox.ClaimBatch(ctx, 10); err != nil || len(claimed) != 2 {
		t.Fatalf("claim: %+v err=%v", claimed, err)
	}
	if err := outbox.Retry(ctx, "alert-dead", errors.New("rejected"), time.Time{}); err != nil {
		t.Fatalf("dead: %v", err)
	}

	now = now.Add(2 * time.Minute)
	reclaimed, err := outbox.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != "alert-abandoned" {
		t.Fatalf("expected only the abandoned lease to be reclaimed, got %+v", reclaimed)
	}
	_, status, _, _ := outbox.Get(ctx, "alert-dead")
	if status != core.AlertStatusDead {
		t.Fatalf("expected dead alert, got %s", status)
	}
}

func newFactory(t *testing.T) *sqlstore.RepositoryFactory {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	t.Cleanup(cleanup)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", strings.ReplaceAll(t.Name(), "/", "_"))
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = servicemigrations.Register(ctx, func(_ context.Context, set servicemigrations.Set) error {
		client.RegisterSQLMigrations(set.FS)
		return nil
	}, servicemigrations.DialectSQLite)
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
