package handlers

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-payhooks/core"
	"github.com/goliatone/go-payhooks/dispatch"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []core.Notification
	err  error
}

func (n *captureNotifier) Notify(_ context.Context, _ core.ConnectedAccount, notification core.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *captureNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := []string{}
	for _, item := range n.sent {
		out = append(out, item.Kind)
	}
	return out
}

type captureAlerter struct {
	mu     sync.Mutex
	alerts []core.CriticalAlert
	err    error
}

func (a *captureAlerter) Escalate(_ context.Context, alert core.CriticalAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.alerts = append(a.alerts, alert)
	return nil
}

type stubStatusSource struct {
	update core.AccountStatusUpdate
	err    error
	calls  int
}

func (s *stubStatusSource) FetchAccountStatus(context.Context, string) (core.AccountStatusUpdate, error) {
	s.calls++
	return s.update, s.err
}

type invalidatingDirectory struct {
	*MemoryAccountDirectory
	invalidated []string
}

func (d *invalidatingDirectory) Invalidate(_ context.Context, externalAccountID string) error {
	d.invalidated = append(d.invalidated, externalAccountID)
	return nil
}

type brokenDirectory struct {
	*MemoryAccountDirectory
	err error
}

func (d brokenDirectory) FindByExternalAccountID(context.Context, string) (core.ConnectedAccount, bool, error) {
	return core.ConnectedAccount{}, false, d.err
}

type fixture struct {
	set       *Set
	directory *MemoryAccountDirectory
	notifier  *captureNotifier
	alerter   *captureAlerter
}

func newFixture(t *testing.T, mutate func(*Dependencies)) fixture {
	t.Helper()
	directory := NewMemoryAccountDirectory(core.ConnectedAccount{
		ID:                "acc_1",
		ExternalAccountID: "acct_1",
		OwnerID:           "usr_1",
		RequirementsDue:   []string{"external_account"},
	})
	notifier := &captureNotifier{}
	alerter := &captureAlerter{}
	deps := Dependencies{
		Accounts: directory,
		Alerter:  alerter,
		Notifier: notifier,
		Now: func() time.Time {
			return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	set, err := NewSet(deps)
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	return fixture{set: set, directory: directory, notifier: notifier, alerter: alerter}
}

func envelope(t *testing.T, body string) core.Envelope {
	t.Helper()
	decoded, err := core.DecodeEnvelope([]byte(body))
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	decoded.Source = "stripe"
	return decoded
}

func TestSetRegistersEveryHandledType(t *testing.T) {
	f := newFixture(t, nil)
	registry := dispatch.NewRegistry()
	if err := f.set.Register(registry); err != nil {
		t.Fatalf("register: %v", err)
	}
	want := []string{
		EventAccountUpdated,
		EventCapabilityUpdated,
		EventPayoutFailed,
		EventPayoutPaid,
		EventTransferCreated,
		EventTransferFailed,
	}
	slices.Sort(want)
	if got := registry.Types(); !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestAccountUpdatedCompletesOnboardingOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	env := envelope(t, `{"id":"evt_a1","type":"account.updated","data":{"object":{
		"id":"acct_1","charges_enabled":true,"payouts_enabled":true,"details_submitted":true,
		"requirements":{"currently_due":[],"past_due":[]}}}}`)

	result, err := f.set.HandleAccountUpdated(ctx, env)
	if err != nil || !result.Success {
		t.Fatalf("handle: result=%+v err=%v", result, err)
	}
	if result.Detail["onboarding_completed"] != true {
		t.Fatalf("expected onboarding to complete, got %+v", result.Detail)
	}
	account, _ := f.directory.Get("acct_1")
	if !account.OnboardingComplete || account.OnboardedAt == nil || len(account.RequirementsDue) != 0 {
		t.Fatalf("unexpected account state: %+v", account)
	}

	again, err := f.set.HandleAccountUpdated(ctx, env)
	if err != nil || !again.Success {
		t.Fatalf("handle again: result=%+v err=%v", again, err)
	}
	if again.Detail["onboarding_completed"] != false {
		t.Fatalf("expected repeat to be a no-op, got %+v", again.Detail)
	}
	if kinds := f.notifier.kinds(); !slices.Equal(kinds, []string{core.NotificationAccountOnboarded}) {
		t.Fatalf("expected a single onboarding notification, got %v", kinds)
	}
}

func TestAccountUpdatedNotifiesNewRequirements(t *testing.T) {
	f := newFixture(t, nil)
	env := envelope(t, `{"id":"evt_a2","type":"account.updated","data":{"object":{
		"id":"acct_1","charges_enabled":true,"payouts_enabled":false,
		"requirements":{"currently_due":["external_account","individual.id_number"],"past_due":["tos_acceptance.date"]}}}}`)

	result, err := f.set.HandleAccountUpdated(context.Background(), env)
	if err != nil || !result.Success {
		t.Fatalf("handle: result=%+v err=%v", result, err)
	}
	if result.Detail["new_requirements"] != 2 {
		t.Fatalf("expected two new requirements, got %+v", result.Detail)
	}
	if kinds := f.notifier.kinds(); !slices.Equal(kinds, []string{core.NotificationAccountRequirementsDue}) {
		t.Fatalf("unexpected notifications: %v", kinds)
	}
	added := f.notifier.sent[0].Data["requirements"].([]string)
	if !slices.Equal(added, []string{"individual.id_number", "tos_acceptance.date"}) {
		t.Fatalf("unexpected added requirements: %v", added)
	}
}

func TestUnknownAccountIsUntracked(t *testing.T) {
	f := newFixture(t, nil)
	env := envelope(t, `{"id":"evt_p0","type":"payout.paid","account":"acct_unknown","data":{"object":{"id":"po_0","amount":100,"currency":"usd"}}}`)

	result, err := f.set.HandlePayoutPaid(context.Background(), env)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.Success || result.Detail["tracked"] != false {
		t.Fatalf("expected untracked success, got %+v", result)
	}
	if len(f.notifier.kinds()) != 0 {
		t.Fatalf("expected no notification for untracked account")
	}
}

func TestPayoutPaidRecordsAndNotifies(t *testing.T) {
	f := newFixture(t, nil)
	env := envelope(t, `{"id":"evt_p1","type":"payout.paid","account":"acct_1","data":{"object":{"id":"po_1","amount":2500,"currency":"USD","status":"paid"}}}`)

	result, err := f.set.HandlePayoutPaid(context.Background(), env)
	if err != nil || !result.Success {
		t.Fatalf("handle: result=%+v err=%v", result, err)
	}
	account, _ := f.directory.Get("acct_1")
	if account.LastPayoutID != "po_1" || account.LastPayoutAmount != 2500 || account.LastPayoutCurrency != "usd" {
		t.Fatalf("unexpected payout record: %+v", account)
	}
	if kinds := f.notifier.kinds(); !slices.Equal(kinds, []string{core.NotificationPayoutPaid}) {
		t.Fatalf("unexpected notifications: %v", kinds)
	}
}

func TestNotificationFailureDoesNotFailHandler(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.err = errors.New("smtp down")
	env := envelope(t, `{"id":"evt_p2","type":"payout.paid","account":"acct_1","data":{"object":{"id":"po_2","amount":10,"currency":"usd"}}}`)

	result, err := f.set.HandlePayoutPaid(context.Background(), env)
	if err != nil || !result.Success {
		t.Fatalf("expected success despite notification failure, result=%+v err=%v", result, err)
	}
	if result.Detail["notified"] != false {
		t.Fatalf("expected notified=false, got %+v", result.Detail)
	}
}

func TestPayoutFailedCountsOncePerPayout(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	env := envelope(t, `{"id":"evt_p3","type":"payout.failed","account":"acct_1","data":{"object":{
		"id":"po_3","amount":900,"currency":"eur","status":"failed","failure_code":"account_closed","failure_message":"The bank account has been closed"}}}`)

	for range 2 {
		result, err := f.set.HandlePayoutFailed(ctx, env)
		if err != nil || !result.Success {
			t.Fatalf("handle: result=%+v err=%v", result, err)
		}
	}
	account, _ := f.directory.Get("acct_1")
	if account.PayoutFailureCount != 1 {
		t.Fatalf("expected failure count 1, got %d", account.PayoutFailureCount)
	}
	if account.LastFailureCode != "account_closed" || account.LastPayoutStatus != "failed" {
		t.Fatalf("unexpected failure record: %+v", account)
	}
}

func TestTransferFailedEscalates(t *testing.T) {
	f := newFixture(t, nil)
	env := envelope(t, `{"id":"evt_t1","type":"transfer.failed","data":{"object":{"id":"tr_1","amount":5000,"currency":"usd","destination":"acct_1"}}}`)

	result, err := f.set.HandleTransferFailed(context.Background(), env)
	if err != nil || !result.Success {
		t.Fatalf("handle: result=%+v err=%v", result, err)
	}
	if len(f.alerter.alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(f.alerter.alerts))
	}
	alert := f.alerter.alerts[0]
	if alert.ID != "transfer.failed:stripe:evt_t1" || alert.AccountID != "acc_1" {
		t.Fatalf("unexpected alert: %+v", alert)
	}
	account, _ := f.directory.Get("acct_1")
	if account.TransferFailureCount != 1 {
		t.Fatalf("expected transfer failure count 1, got %d", account.TransferFailureCount)
	}
}

func TestTransferFailedEscalationFailureIsRetryable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.alerter.err = errors.New("outbox unavailable")
	env := envelope(t, `{"id":"evt_t2","type":"transfer.failed","data":{"object":{"id":"tr_2","amount":5000,"currency":"usd","destination":"acct_1"}}}`)

	result, err := f.set.HandleTransferFailed(ctx, env)
	if err == nil || result.Success || !result.Retryable {
		t.Fatalf("expected retryable failure, result=%+v err=%v", result, err)
	}
	if !core.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	f.alerter.err = nil
	result, err = f.set.HandleTransferFailed(ctx, env)
	if err != nil || !result.Success {
		t.Fatalf("retry: result=%+v err=%v", result, err)
	}
	account, _ := f.directory.Get("acct_1")
	if account.TransferFailureCount != 1 {
		t.Fatalf("expected counter not to double on retry, got %d", account.TransferFailureCount)
	}
	if len(f.alerter.alerts) != 1 {
		t.Fatalf("expected exactly one escalated alert, got %d", len(f.alerter.alerts))
	}
}

func TestDirectoryErrorsAreClassified(t *testing.T) {
	env := `{"id":"evt_p4","type":"payout.paid","account":"acct_1","data":{"object":{"id":"po_4","amount":1,"currency":"usd"}}}`
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "transient", err: core.TransientError(errors.New("db down"), "accounts unavailable"), retryable: true},
		{name: "unexpected", err: errors.New("nil map"), retryable: true},
		{name: "business", err: core.BusinessError("account is frozen", nil), retryable: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, func(deps *Dependencies) {
				deps.Accounts = brokenDirectory{MemoryAccountDirectory: NewMemoryAccountDirectory(), err: tc.err}
			})
			result, err := f.set.HandlePayoutPaid(context.Background(), envelope(t, env))
			if err == nil || result.Success {
				t.Fatalf("expected failure, result=%+v err=%v", result, err)
			}
			if result.Retryable != tc.retryable {
				t.Fatalf("expected retryable=%v, got %v", tc.retryable, result.Retryable)
			}
		})
	}
}

func TestCapabilityUpdatedReconcilesFromSource(t *testing.T) {
	source := &stubStatusSource{update: core.AccountStatusUpdate{
		ChargesEnabled: true,
		PayoutsEnabled: true,
	}}
	directory := &invalidatingDirectory{MemoryAccountDirectory: NewMemoryAccountDirectory(core.ConnectedAccount{
		ID:                "acc_2",
		ExternalAccountID: "acct_2",
	})}
	f := newFixture(t, func(deps *Dependencies) {
		deps.Accounts = directory
		deps.StatusSource = source
	})
	env := envelope(t, `{"id":"evt_c1","type":"capability.updated","data":{"object":{"id":"transfers","account":"acct_2","status":"active"}}}`)

	result, err := f.set.HandleCapabilityUpdated(context.Background(), env)
	if err != nil || !result.Success {
		t.Fatalf("handle: result=%+v err=%v", result, err)
	}
	if source.calls != 1 || !slices.Equal(directory.invalidated, []string{"acct_2"}) {
		t.Fatalf("expected invalidate then fetch, calls=%d invalidated=%v", source.calls, directory.invalidated)
	}
	account, _ := directory.Get("acct_2")
	if !account.OnboardingComplete || !account.PayoutsEnabled {
		t.Fatalf("expected reconciled status, got %+v", account)
	}
	if result.Detail["reconciled"] != true {
		t.Fatalf("expected reconciled detail, got %+v", result.Detail)
	}
}

func TestMalformedObjectIsNotRetryable(t *testing.T) {
	f := newFixture(t, nil)
	env := envelope(t, `{"id":"evt_bad","type":"payout.paid","account":"acct_1","data":{"object":{"amount":"lots"}}}`)

	result, err := f.set.HandlePayoutPaid(context.Background(), env)
	if err == nil || result.Retryable {
		t.Fatalf("expected non-retryable decode failure, result=%+v err=%v", result, err)
	}
}
