package core

import (
	"slices"
	"strings"
	"time"
)

// ConnectedAccount is the local view of a payee account held at the
// payment processor.
type ConnectedAccount struct {
	ID                   string
	ExternalAccountID    string
	OwnerID              string
	Email                string
	ChargesEnabled       bool
	PayoutsEnabled       bool
	DetailsSubmitted     bool
	RequirementsDue      []string
	OnboardingComplete   bool
	OnboardedAt          *time.Time
	PayoutFailureCount   int
	TransferFailureCount int
	LastPayoutID         string
	LastPayoutAmount     int64
	LastPayoutCurrency   string
	LastPayoutStatus     string
	LastFailureCode      string
	LastFailureMessage   string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// FullyOnboarded reports whether the account can both charge and receive
// payouts with nothing outstanding.
func (a ConnectedAccount) FullyOnboarded() bool {
	return a.ChargesEnabled && a.PayoutsEnabled && len(a.RequirementsDue) == 0
}

type AccountStatusUpdate struct {
	ChargesEnabled     bool
	PayoutsEnabled     bool
	DetailsSubmitted   bool
	RequirementsDue    []string
	OnboardingComplete bool
	OnboardedAt        *time.Time
}

func (u AccountStatusUpdate) FullyOnboarded() bool {
	return u.ChargesEnabled && u.PayoutsEnabled && len(u.RequirementsDue) == 0
}

// NormalizeRequirements trims, dedupes and sorts requirement codes.
func NormalizeRequirements(values ...[]string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, list := range values {
		for _, value := range list {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			if _, ok := seen[value]; ok {
				continue
			}
			seen[value] = struct{}{}
			out = append(out, value)
		}
	}
	slices.Sort(out)
	return out
}

type PayoutRecord struct {
	PayoutID       string
	Amount         int64
	Currency       string
	Status         string
	FailureCode    string
	FailureMessage string
	OccurredAt     time.Time
}

type FailureKind string

const (
	FailureKindPayout   FailureKind = "payout"
	FailureKindTransfer FailureKind = "transfer"
)

func (k FailureKind) Valid() bool {
	return k == FailureKindPayout || k == FailureKindTransfer
}

// FailureIncrement identifies one failure occurrence. Reference is the
// upstream object id; repeating a reference does not count twice.
type FailureIncrement struct {
	Kind      FailureKind
	Reference string
}

const (
	NotificationAccountOnboarded       = "account.onboarded"
	NotificationAccountRequirementsDue = "account.requirements_due"
	NotificationPayoutPaid             = "payout.paid"
	NotificationPayoutFailed           = "payout.failed"
)

type Notification struct {
	Kind    string
	Subject string
	// IdempotencyKey lets a notifier drop repeats caused by a reprocessed event.
	IdempotencyKey string
	Data           map[string]any
}

const (
	AlertKindTransferFailed = "transfer.failed"
)

// CriticalAlert is an operator escalation that must be delivered at least
// once. ID doubles as the outbox idempotency key.
type CriticalAlert struct {
	ID              string
	Kind            string
	Source          string
	ExternalEventID string
	AccountID       string
	Summary         string
	Payload         map[string]any
	OccurredAt      time.Time
	Attempts        int
}

type AlertStatus string

const (
	AlertStatusPending    AlertStatus = "pending"
	AlertStatusDelivering AlertStatus = "delivering"
	AlertStatusDelivered  AlertStatus = "delivered"
	AlertStatusDead       AlertStatus = "dead"
)

func AlertID(kind string, key EventKey) string {
	return strings.TrimSpace(kind) + ":" + key.String()
}
