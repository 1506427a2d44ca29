package query

import (
	"strings"

	"github.com/goliatone/go-payhooks/core"
)

const (
	TypeGetInboundEvent     = "payhooks.query.event.get"
	TypeListFailedEvents    = "payhooks.query.events.list_failed"
	TypeGetConnectedAccount = "payhooks.query.account.get"
)

type GetInboundEventMessage struct {
	Source          string
	ExternalEventID string
}

func (GetInboundEventMessage) Type() string { return TypeGetInboundEvent }

func (m GetInboundEventMessage) Validate() error {
	if strings.TrimSpace(m.Source) == "" {
		return queryValidationError("source", "source is required")
	}
	if strings.TrimSpace(m.ExternalEventID) == "" {
		return queryValidationError("external_event_id", "external event id is required")
	}
	return nil
}

type ListFailedEventsMessage struct {
	Filter core.FailedEventFilter
}

func (ListFailedEventsMessage) Type() string { return TypeListFailedEvents }

func (m ListFailedEventsMessage) Validate() error {
	if m.Filter.Limit < 0 {
		return queryValidationError("limit", "must be >= 0")
	}
	return nil
}

type GetConnectedAccountMessage struct {
	ExternalAccountID string
}

func (GetConnectedAccountMessage) Type() string { return TypeGetConnectedAccount }

func (m GetConnectedAccountMessage) Validate() error {
	if strings.TrimSpace(m.ExternalAccountID) == "" {
		return queryValidationError("external_account_id", "external account id is required")
	}
	return nil
}
