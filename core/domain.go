package core

import (
	"encoding/json"
	"strings"
	"time"
)

type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusFailed     EventStatus = "failed"
)

func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusPending, EventStatusProcessing, EventStatusProcessed, EventStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no worker will pick the event up again on its own.
func (s EventStatus) Terminal() bool {
	return s == EventStatusProcessed
}

// CanTransitionTo encodes the allowed status edges. The self edges cover a
// takeover of a stuck claim (processing) and an operator reopen (failed).
func (s EventStatus) CanTransitionTo(next EventStatus) bool {
	switch s {
	case EventStatusPending:
		return next == EventStatusProcessing
	case EventStatusProcessing:
		return next == EventStatusProcessing ||
			next == EventStatusProcessed ||
			next == EventStatusFailed
	case EventStatusFailed:
		return next == EventStatusProcessing || next == EventStatusFailed
	default:
		return false
	}
}

type EventKey struct {
	Source          string
	ExternalEventID string
}

func (k EventKey) String() string {
	return k.Source + ":" + k.ExternalEventID
}

func (k EventKey) Validate() error {
	if strings.TrimSpace(k.Source) == "" {
		return BadInputError("core: event source is required", nil)
	}
	if strings.TrimSpace(k.ExternalEventID) == "" {
		return BadInputError("core: external event id is required", nil)
	}
	return nil
}

// InboundEvent is the durable record of one upstream delivery key.
type InboundEvent struct {
	ID                  string
	Source              string
	ExternalEventID     string
	EventType           string
	RawPayload          []byte
	Status              EventStatus
	AttemptCount        int
	Retryable           bool
	LastError           string
	ResultSummary       map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ProcessingStartedAt *time.Time
	FinishedAt          *time.Time
}

func (e InboundEvent) Key() EventKey {
	return EventKey{Source: e.Source, ExternalEventID: e.ExternalEventID}
}

// IsStuck reports whether a processing claim is older than threshold.
func (e InboundEvent) IsStuck(now time.Time, threshold time.Duration) bool {
	if e.Status != EventStatusProcessing || e.ProcessingStartedAt == nil {
		return false
	}
	return !e.ProcessingStartedAt.Add(threshold).After(now)
}

type NewInboundEvent struct {
	Source          string
	ExternalEventID string
	EventType       string
	RawPayload      []byte
	ReceivedAt      time.Time
}

func (n NewInboundEvent) Key() EventKey {
	return EventKey{Source: n.Source, ExternalEventID: n.ExternalEventID}
}

func (n NewInboundEvent) Validate() error {
	if err := n.Key().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(n.EventType) == "" {
		return BadInputError("core: event type is required", nil)
	}
	return nil
}

// TransitionExtra carries the full set of mutable columns written together
// with a status change.
type TransitionExtra struct {
	AttemptCount        int
	Retryable           bool
	LastError           string
	ResultSummary       map[string]any
	ProcessingStartedAt *time.Time
	FinishedAt          *time.Time
	UpdatedAt           time.Time
}

// TransitionInput guards a status change on the observed row: the update
// only applies while id, status and attempt count still match Event.
type TransitionInput struct {
	Event InboundEvent
	From  EventStatus
	To    EventStatus
	Extra TransitionExtra
}

func (in TransitionInput) Validate() error {
	if strings.TrimSpace(in.Event.ID) == "" {
		return BadInputError("core: transition requires a persisted event", nil)
	}
	if !in.From.Valid() || !in.To.Valid() {
		return BadInputError("core: transition status is invalid", map[string]any{
			"from": string(in.From),
			"to":   string(in.To),
		})
	}
	if !in.From.CanTransitionTo(in.To) {
		return BadInputError("core: transition is not allowed", map[string]any{
			"from": string(in.From),
			"to":   string(in.To),
		})
	}
	return nil
}

// Apply returns the event as it reads after a successful transition.
func (in TransitionInput) Apply() InboundEvent {
	next := in.Event
	next.Status = in.To
	next.AttemptCount = in.Extra.AttemptCount
	next.Retryable = in.Extra.Retryable
	next.LastError = in.Extra.LastError
	next.ResultSummary = copyAnyMap(in.Extra.ResultSummary)
	next.ProcessingStartedAt = copyTime(in.Extra.ProcessingStartedAt)
	next.FinishedAt = copyTime(in.Extra.FinishedAt)
	next.UpdatedAt = in.Extra.UpdatedAt
	return next
}

type FailedEventFilter struct {
	Source string
	// RetryableOnly limits the listing to rows a later delivery could reclaim.
	RetryableOnly bool
	Limit         int
}

type DecisionReason string

const (
	ReasonNew               DecisionReason = "new"
	ReasonRetry             DecisionReason = "retry"
	ReasonTakeover          DecisionReason = "takeover"
	ReasonAlreadyProcessed  DecisionReason = "already_processed"
	ReasonAlreadyProcessing DecisionReason = "already_processing"
	ReasonAttemptsExhausted DecisionReason = "attempts_exhausted"
	ReasonNotRetryable      DecisionReason = "not_retryable"
	ReasonLostRace          DecisionReason = "lost_race"
)

// Decision is the outcome of classifying a delivery against the store.
type Decision struct {
	Proceed bool
	Event   InboundEvent
	Reason  DecisionReason
	Created bool
}

// DispatchResult is what a handler reports back; the gatekeeper folds it
// into the stored event.
type DispatchResult struct {
	Success   bool
	Detail    map[string]any
	Retryable bool
}

func Handled(detail map[string]any) DispatchResult {
	return DispatchResult{Success: true, Detail: copyAnyMap(detail)}
}

func Untracked(detail map[string]any) DispatchResult {
	out := copyAnyMap(detail)
	out["tracked"] = false
	return DispatchResult{Success: true, Detail: out}
}

// Envelope is the decoded upstream event body.
type Envelope struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Account  string          `json:"account,omitempty"`
	Created  int64           `json:"created,omitempty"`
	Livemode bool            `json:"livemode,omitempty"`
	Data     json.RawMessage `json:"data"`

	Source string `json:"-"`
}

// DecodeObject unmarshals data.object into target, falling back to data
// itself for providers that do not wrap the resource.
func (e Envelope) DecodeObject(target any) error {
	if len(e.Data) == 0 {
		return BadInputError("core: envelope data is empty", map[string]any{"event_type": e.Type})
	}
	var wrapper struct {
		Object json.RawMessage `json:"object"`
	}
	raw := []byte(e.Data)
	if err := json.Unmarshal(e.Data, &wrapper); err == nil && len(wrapper.Object) > 0 {
		raw = wrapper.Object
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return WrapBadInput(err, "core: envelope object is malformed", map[string]any{"event_type": e.Type})
	}
	return nil
}

// DecodeEnvelope parses a raw body into an Envelope. Bodies without an id or
// type are rejected.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var envelope Envelope
	if len(body) == 0 {
		return Envelope{}, BadInputError("core: payload is empty", nil)
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Envelope{}, WrapBadInput(err, "core: payload is not valid json", nil)
	}
	envelope.ID = strings.TrimSpace(envelope.ID)
	envelope.Type = strings.TrimSpace(envelope.Type)
	envelope.Account = strings.TrimSpace(envelope.Account)
	if envelope.ID == "" {
		return Envelope{}, BadInputError("core: payload id is required", nil)
	}
	if envelope.Type == "" {
		return Envelope{}, BadInputError("core: payload type is required", map[string]any{"external_event_id": envelope.ID})
	}
	return envelope, nil
}

type InboundRequest struct {
	Source   string
	Headers  map[string]string
	Body     []byte
	Metadata map[string]any
}

type InboundResult struct {
	Accepted   bool
	StatusCode int
	Message    string
	Error      string
	Metadata   map[string]any
}

// Body renders the client-facing response. It never carries payload
// content or internal error text.
func (r InboundResult) Body() map[string]any {
	if r.Error != "" {
		return map[string]any{"error": r.Error}
	}
	body := map[string]any{"message": r.Message}
	if detail, ok := r.Metadata["detail"].(map[string]any); ok && len(detail) > 0 {
		body["detail"] = copyAnyMap(detail)
	}
	return body
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

func copyTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	value := *in
	return &value
}
