package command

import (
	"context"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-payhooks/core"
)

func TestReplayEventMessage_ValidateReturnsRichError(t *testing.T) {
	err := (ReplayEventMessage{Source: "stripe"}).Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation category, got %q", rich.Category)
	}
	if rich.TextCode != core.ErrorBadInput {
		t.Fatalf("expected %q text code, got %q", core.ErrorBadInput, rich.TextCode)
	}
}

func TestBatchMessages_RejectOutOfRangeSizes(t *testing.T) {
	if err := (SweepStuckEventsMessage{Limit: -1}).Validate(); err == nil {
		t.Fatalf("expected negative limit to be rejected")
	}
	if err := (DispatchAlertsMessage{BatchSize: maxBatch + 1}).Validate(); err == nil {
		t.Fatalf("expected oversized batch to be rejected")
	}
	if err := (DispatchAlertsMessage{}).Validate(); err != nil {
		t.Fatalf("expected zero batch to mean default, got %v", err)
	}
}

func TestReplayEventCommand_NilReplayerReturnsRichError(t *testing.T) {
	var cmd *ReplayEventCommand
	err := cmd.Execute(context.Background(), ReplayEventMessage{})
	if err == nil {
		t.Fatalf("expected command dependency error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
}
