package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestGatekeeper(t *testing.T, store EventStore, clock *testClock, opts ...GatekeeperOption) *Gatekeeper {
	t.Helper()
	base := []GatekeeperOption{
		WithGatekeeperClock(clock.Now),
		WithGatekeeperPolicy(Policy{MaxAttempts: 3, StuckAfter: 5 * time.Minute}),
	}
	gatekeeper, err := NewGatekeeper(store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new gatekeeper: %v", err)
	}
	return gatekeeper
}

func TestGatekeeperAdmitNewEventClaimsIt(t *testing.T) {
	clock := newTestClock()
	gatekeeper := newTestGatekeeper(t, NewMemoryEventStore(), clock)

	decision, err := gatekeeper.Admit(context.Background(), newTestEvent("evt_new"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !decision.Proceed || decision.Reason != ReasonNew || !decision.Created {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	if decision.Event.Status != EventStatusProcessing || decision.Event.AttemptCount != 1 {
		t.Fatalf("expected a claimed event, got %+v", decision.Event)
	}
	if decision.Event.ProcessingStartedAt == nil || !decision.Event.ProcessingStartedAt.Equal(clock.Now()) {
		t.Fatalf("expected processing start to be stamped")
	}
}

func TestGatekeeperDuplicateAfterProcessedNeverReruns(t *testing.T) {
	clock := newTestClock()
	gatekeeper := newTestGatekeeper(t, NewMemoryEventStore(), clock)
	ctx := context.Background()

	first, err := gatekeeper.Admit(ctx, newTestEvent("evt_dup"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := gatekeeper.MarkProcessed(ctx, first.Event, map[string]any{"success": true}); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	for range 3 {
		clock.Advance(time.Hour)
		again, err := gatekeeper.Admit(ctx, newTestEvent("evt_dup"))
		if err != nil {
			t.Fatalf("admit duplicate: %v", err)
		}
		if again.Proceed || again.Reason != ReasonAlreadyProcessed || again.Created {
			t.Fatalf("expected already processed, got %+v", again)
		}
		if again.Event.AttemptCount != 1 {
			t.Fatalf("expected attempt count to stay at 1, got %d", again.Event.AttemptCount)
		}
	}
}

func TestGatekeeperConcurrentAdmitHasSingleWinner(t *testing.T) {
	clock := newTestClock()
	gatekeeper := newTestGatekeeper(t, NewMemoryEventStore(), clock)
	ctx := context.Background()

	var mu sync.Mutex
	proceeded := 0
	reasons := map[DecisionReason]int{}
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := gatekeeper.Admit(ctx, newTestEvent("evt_race"))
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			reasons[decision.Reason]++
			if decision.Proceed {
				proceeded++
			}
		}()
	}
	wg.Wait()

	if proceeded != 1 {
		t.Fatalf("expected exactly one worker to proceed, got %d (%v)", proceeded, reasons)
	}
	for reason := range reasons {
		switch reason {
		case ReasonNew, ReasonAlreadyProcessing, ReasonLostRace:
		default:
			t.Fatalf("unexpected reason %q in %v", reason, reasons)
		}
	}
}

func TestGatekeeperProcessingIsAcknowledgedUntilStuck(t *testing.T) {
	clock := newTestClock()
	gatekeeper := newTestGatekeeper(t, NewMemoryEventStore(), clock)
	ctx := context.Background()

	first, err := gatekeeper.Admit(ctx, newTestEvent("evt_stuck"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	clock.Advance(time.Minute)
	busy, err := gatekeeper.Admit(ctx, newTestEvent("evt_stuck"))
	if err != nil {
		t.Fatalf("admit busy: %v", err)
	}
	if busy.Proceed || busy.Reason != ReasonAlreadyProcessing {
		t.Fatalf("expected already processing, got %+v", busy)
	}

	clock.Advance(5 * time.Minute)
	takeover, err := gatekeeper.Admit(ctx, newTestEvent("evt_stuck"))
	if err != nil {
		t.Fatalf("admit takeover: %v", err)
	}
	if !takeover.Proceed || takeover.Reason != ReasonTakeover {
		t.Fatalf("expected takeover, got %+v", takeover)
	}
	if takeover.Event.AttemptCount != 2 {
		t.Fatalf("expected attempt count 2 after takeover, got %d", takeover.Event.AttemptCount)
	}

	// The crashed worker must not be able to finalize over the new claim.
	err = gatekeeper.MarkProcessed(ctx, first.Event, map[string]any{"success": true})
	if !HasTextCode(err, ErrorClaimLost) {
		t.Fatalf("expected claim lost for stale worker, got %v", err)
	}
	if err := gatekeeper.MarkProcessed(ctx, takeover.Event, map[string]any{"success": true}); err != nil {
		t.Fatalf("mark processed by new owner: %v", err)
	}
}

func TestGatekeeperStuckClaimRespectsAttemptCap(t *testing.T) {
	clock := newTestClock()
	logger := newCaptureLogger()
	metrics := &captureMetricsRecorder{}
	gatekeeper := newTestGatekeeper(t, NewMemoryEventStore(), clock,
		WithGatekeeperPolicy(Policy{MaxAttempts: 2, StuckAfter: time.Minute}),
		WithGatekeeperObserver(NewObserver(logger, metrics)))
	ctx := context.Background()

	proceeded := 0
	for delivery := 1; delivery <= 6; delivery++ {
		decision, err := gatekeeper.Admit(ctx, newTestEvent("evt_crash"))
		if err != nil {
			t.Fatalf("admit delivery %d: %v", delivery, err)
		}
		if decision.Proceed {
			proceeded++
		}
		if delivery >= 3 {
			if decision.Proceed || decision.Reason != ReasonAttemptsExhausted {
				t.Fatalf("delivery %d: expected attempts exhausted, got %+v", delivery, decision)
			}
			if decision.Event.Status != EventStatusFailed || !decision.Event.Retryable || decision.Event.AttemptCount != 2 {
				t.Fatalf("delivery %d: expected failed row with 2 attempts, got %+v", delivery, decision.Event)
			}
		}
		// The worker crashes without finalizing.
		clock.Advance(2 * time.Minute)
	}
	if proceeded != 2 {
		t.Fatalf("expected the handler to run twice, ran %d times", proceeded)
	}
	if metrics.count(MetricExhausted, "", "") == 0 || len(logger.levels("error")) == 0 {
		t.Fatalf("expected the exhausted event to be surfaced")
	}

	listed, err := gatekeeper.ListFailed(ctx, FailedEventFilter{Source: "stripe"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 || listed[0].ExternalEventID != "evt_crash" {
		t.Fatalf("expected the exhausted event to be listable, got %+v", listed)
	}
}

func TestGatekeeperShouldProcessReportsExhaustedStuckClaim(t *testing.T) {
	clock := newTestClock()
	gatekeeper := newTestGatekeeper(t, NewMemoryEventStore(), clock,
		WithGatekeeperPolicy(Policy{MaxAttempts: 1, StuckAfter: time.Minute}))
	ctx := context.Background()

	if _, err := gatekeeper.Admit(ctx, newTestEvent("evt_once")); err != nil {
		t.Fatalf("admit: %v", err)
	}
	clock.Advance(2 * time.Minute)
	decision, err := gatekeeper.ShouldProcess(ctx, "stripe", "evt_once")
	if err != nil {
		t.Fatalf("should process: %v", err)
	}
	if decision.Proceed || decision.Reason != ReasonAttemptsExhausted {
		t.Fatalf("expected attempts exhausted, got %+v", decision)
	}
	if decision.Event.Status != EventStatusProcessing {
		t.Fatalf("expected classification to leave the row untouched, got %s", decision.Event.Status)
	}
	if _, ok, err := gatekeeper.MarkProcessing(ctx, decision.Event); err != nil || ok {
		t.Fatalf("expected exhausted stuck claim to be unclaimable, ok=%v err=%v", ok, err)
	}
}

func TestGatekeeperRetriesFailedEventUntilExhausted(t *testing.T) {
	clock := newTestClock()
	logger := newCaptureLogger()
	metrics := &captureMetricsRecorder{}
	gatekeeper := newTestGatekeeper(t, NewMemoryEventStore(), clock,
		WithGatekeeperObserver(NewObserver(logger, metrics)))
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		decision, err := gatekeeper.Admit(ctx, newTestEvent("evt_retry"))
		if err != nil {
			t.Fatalf("admit attempt %d: %v", attempt, err)
		}
		if !decision.Proceed {
			t.Fatalf("expected attempt %d to proceed, got %+v", attempt, decision)
		}
		if attempt > 1 && decision.Reason != ReasonRetry {
			t.Fatalf("expected retry reason, got %s", decision.Reason)
		}
		if decision.Event.AttemptCount != attempt {
			t.Fatalf("expected attempt count %d, got %d", attempt, decision.Event.AttemptCount)
		}
		if err := gatekeeper.MarkFailed(ctx, decision.Event, "downstream unavailable", true); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}

	exhausted, err := gatekeeper.Admit(ctx, newTestEvent("evt_retry"))
	if err != nil {
		t.Fatalf("admit exhausted: %v", err)
	}
	if exhausted.Proceed || exhausted.Reason != ReasonAttemptsExhausted {
		t.Fatalf("expected attempts exhausted, got %+v", exhausted)
	}
	if len(logger.levels("error")) == 0 {
		t.Fatalf("expected exhausted attempts to be logged at error level")
	}
	if metrics.count(MetricExhausted, "", "") == 0 {
		t.Fatalf("expected exhausted counter to be recorded")
	}

	listed, err := gatekeeper.ListFailed(ctx, FailedEventFilter{Source: "stripe"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 || listed[0].LastError != "downstream unavailable" {
		t.Fatalf("expected exhausted event to be listable, got %+v", listed)
	}
}

func TestGatekeeperNonRetryableFailureIsNotReclaimed(t *testing.T) {
	clock := newTestClock()
	gatekeeper := newTestGatekeeper(t, NewMemoryEventStore(), clock)
	ctx := context.Background()

	decision, _ := gatekeeper.Admit(ctx, newTestEvent("evt_biz"))
	if err := gatekeeper.MarkFailed(ctx, decision.Event, "account closed", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	again, err := gatekeeper.Admit(ctx, newTestEvent("evt_biz"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if again.Proceed || again.Reason != ReasonNotRetryable {
		t.Fatalf("expected not retryable, got %+v", again)
	}
}

func TestGatekeeperReplayResetsAttempts(t *testing.T) {
	clock := newTestClock()
	gatekeeper := newTestGatekeeper(t, NewMemoryEventStore(), clock)
	ctx := context.Background()

	decision, _ := gatekeeper.Admit(ctx, newTestEvent("evt_replay"))
	if err := gatekeeper.MarkFailed(ctx, decision.Event, "bad data", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	reopened, err := gatekeeper.Replay(ctx, "stripe", "evt_replay")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if reopened.AttemptCount != 0 || !reopened.Retryable || reopened.Status != EventStatusFailed {
		t.Fatalf("unexpected reopened event: %+v", reopened)
	}

	next, err := gatekeeper.Admit(ctx, newTestEvent("evt_replay"))
	if err != nil {
		t.Fatalf("admit after replay: %v", err)
	}
	if !next.Proceed || next.Reason != ReasonRetry || next.Event.AttemptCount != 1 {
		t.Fatalf("expected replayed event to be reclaimed, got %+v", next)
	}

	if _, err := gatekeeper.Replay(ctx, "stripe", "evt_replay"); !HasTextCode(err, ErrorConflict) {
		t.Fatalf("expected conflict replaying a processing event, got %v", err)
	}
	if _, err := gatekeeper.Replay(ctx, "stripe", "evt_missing"); !HasTextCode(err, ErrorNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGatekeeperShouldProcessIsReadOnly(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryEventStore()
	gatekeeper := newTestGatekeeper(t, store, clock)
	ctx := context.Background()

	decision, err := gatekeeper.ShouldProcess(ctx, "stripe", "evt_ro")
	if err != nil {
		t.Fatalf("should process: %v", err)
	}
	if !decision.Proceed || decision.Reason != ReasonNew {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	if _, found, _ := store.Find(ctx, "stripe", "evt_ro"); found {
		t.Fatalf("expected classification not to create a row")
	}
}

func TestGatekeeperStoreFailureIsTransient(t *testing.T) {
	clock := newTestClock()
	store := &failingStore{EventStore: NewMemoryEventStore()}
	gatekeeper := newTestGatekeeper(t, store, clock)
	ctx := context.Background()

	store.setErr(errors.New("connection refused"))
	_, err := gatekeeper.Admit(ctx, newTestEvent("evt_down"))
	if !HasTextCode(err, ErrorStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("expected store outage to be transient")
	}
	if mapped := MapError(err); mapped.Code != 503 {
		t.Fatalf("expected 503 mapping, got %d", mapped.Code)
	}

	store.setErr(nil)
	decision, err := gatekeeper.Admit(ctx, newTestEvent("evt_down"))
	if err != nil || !decision.Proceed {
		t.Fatalf("expected recovery after outage, decision=%+v err=%v", decision, err)
	}
}

func TestGatekeeperRedactsResultSummary(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryEventStore()
	gatekeeper := newTestGatekeeper(t, store, clock)
	ctx := context.Background()

	decision, _ := gatekeeper.Admit(ctx, newTestEvent("evt_redact"))
	err := gatekeeper.MarkProcessed(ctx, decision.Event, map[string]any{
		"success":        true,
		"payout_id":      "po_1",
		"account_number": "000123456789",
	})
	if err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	stored, _, _ := store.Find(ctx, "stripe", "evt_redact")
	if stored.ResultSummary["account_number"] != RedactedValue {
		t.Fatalf("expected account number to be redacted, got %v", stored.ResultSummary)
	}
	if stored.ResultSummary["payout_id"] != "po_1" {
		t.Fatalf("expected payout id to be kept, got %v", stored.ResultSummary)
	}
	if stored.FinishedAt == nil {
		t.Fatalf("expected finished at to be stamped")
	}
}
