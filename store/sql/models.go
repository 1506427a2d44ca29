package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type inboundEventRecord struct {
	bun.BaseModel `bun:"table:payhooks_inbound_events,alias:pie"`

	ID                  string         `bun:"id,pk"`
	Source              string         `bun:"source,notnull"`
	ExternalEventID     string         `bun:"external_event_id,notnull"`
	EventType           string         `bun:"event_type,notnull"`
	RawPayload          []byte         `bun:"raw_payload,notnull"`
	Status              string         `bun:"status,notnull"`
	AttemptCount        int            `bun:"attempt_count,notnull"`
	Retryable           bool           `bun:"retryable,notnull"`
	LastError           string         `bun:"last_error,notnull"`
	ResultSummary       map[string]any `bun:"result_summary,type:jsonb,notnull"`
	CreatedAt           time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt           time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	ProcessingStartedAt *time.Time     `bun:"processing_started_at,nullzero"`
	FinishedAt          *time.Time     `bun:"finished_at,nullzero"`
}

type connectedAccountRecord struct {
	bun.BaseModel `bun:"table:payhooks_connected_accounts,alias:pca"`

	ID                   string     `bun:"id,pk"`
	ExternalAccountID    string     `bun:"external_account_id,notnull"`
	OwnerID              string     `bun:"owner_id,notnull"`
	Email                string     `bun:"email,notnull"`
	ChargesEnabled       bool       `bun:"charges_enabled,notnull"`
	PayoutsEnabled       bool       `bun:"payouts_enabled,notnull"`
	DetailsSubmitted     bool       `bun:"details_submitted,notnull"`
	RequirementsDue      []string   `bun:"requirements_due,type:jsonb,notnull"`
	OnboardingComplete   bool       `bun:"onboarding_complete,notnull"`
	OnboardedAt          *time.Time `bun:"onboarded_at,nullzero"`
	PayoutFailureCount   int        `bun:"payout_failure_count,notnull"`
	TransferFailureCount int        `bun:"transfer_failure_count,notnull"`
	LastPayoutID         string     `bun:"last_payout_id,notnull"`
	LastPayoutAmount     int64      `bun:"last_payout_amount,notnull"`
	LastPayoutCurrency   string     `bun:"last_payout_currency,notnull"`
	LastPayoutStatus     string     `bun:"last_payout_status,notnull"`
	LastFailureCode      string     `bun:"last_failure_code,notnull"`
	LastFailureMessage   string     `bun:"last_failure_message,notnull"`
	CreatedAt            time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt            time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// accountFailureRefRecord remembers which upstream objects were already
// counted against an account.
type accountFailureRefRecord struct {
	bun.BaseModel `bun:"table:payhooks_account_failure_refs,alias:pafr"`

	Kind              string    `bun:"kind,pk"`
	ExternalAccountID string    `bun:"external_account_id,pk"`
	Reference         string    `bun:"reference,pk"`
	CreatedAt         time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type criticalAlertRecord struct {
	bun.BaseModel `bun:"table:payhooks_critical_alerts,alias:pcal"`

	ID              string         `bun:"id,pk"`
	Kind            string         `bun:"kind,notnull"`
	Source          string         `bun:"source,notnull"`
	ExternalEventID string         `bun:"external_event_id,notnull"`
	AccountID       string         `bun:"account_id,notnull"`
	Summary         string         `bun:"summary,notnull"`
	Payload         map[string]any `bun:"payload,type:jsonb,notnull"`
	Status          string         `bun:"status,notnull"`
	Attempts        int            `bun:"attempts,notnull"`
	NextAttemptAt   *time.Time     `bun:"next_attempt_at,nullzero"`
	LastError       string         `bun:"last_error,notnull"`
	OccurredAt      time.Time      `bun:"occurred_at,notnull"`
	CreatedAt       time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	DeliveredAt     *time.Time     `bun:"delivered_at,nullzero"`
}
