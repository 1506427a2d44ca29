package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-payhooks/core"
)

type InboundEventReader interface {
	Find(ctx context.Context, source string, externalEventID string) (core.InboundEvent, bool, error)
}

type FailedEventLister interface {
	ListFailed(ctx context.Context, filter core.FailedEventFilter) ([]core.InboundEvent, error)
}

type ConnectedAccountReader interface {
	FindByExternalAccountID(ctx context.Context, externalAccountID string) (core.ConnectedAccount, bool, error)
}

type GetInboundEventQuery struct {
	reader InboundEventReader
}

func NewGetInboundEventQuery(reader InboundEventReader) *GetInboundEventQuery {
	return &GetInboundEventQuery{reader: reader}
}

func (q *GetInboundEventQuery) Query(ctx context.Context, msg GetInboundEventMessage) (core.InboundEvent, error) {
	if q == nil || q.reader == nil {
		return core.InboundEvent{}, queryDependencyError("query: inbound event reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.InboundEvent{}, err
	}
	source := strings.TrimSpace(msg.Source)
	externalEventID := strings.TrimSpace(msg.ExternalEventID)
	event, found, err := q.reader.Find(ctx, source, externalEventID)
	if err != nil {
		return core.InboundEvent{}, err
	}
	if !found {
		return core.InboundEvent{}, core.NotFoundError("query: inbound event not found", map[string]any{
			"source":            source,
			"external_event_id": externalEventID,
		})
	}
	return event, nil
}

// ListFailedEventsQuery serves the manual investigation queue.
type ListFailedEventsQuery struct {
	lister FailedEventLister
}

func NewListFailedEventsQuery(lister FailedEventLister) *ListFailedEventsQuery {
	return &ListFailedEventsQuery{lister: lister}
}

func (q *ListFailedEventsQuery) Query(ctx context.Context, msg ListFailedEventsMessage) ([]core.InboundEvent, error) {
	if q == nil || q.lister == nil {
		return nil, queryDependencyError("query: failed event lister is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.lister.ListFailed(ctx, msg.Filter)
}

type GetConnectedAccountQuery struct {
	reader ConnectedAccountReader
}

func NewGetConnectedAccountQuery(reader ConnectedAccountReader) *GetConnectedAccountQuery {
	return &GetConnectedAccountQuery{reader: reader}
}

func (q *GetConnectedAccountQuery) Query(ctx context.Context, msg GetConnectedAccountMessage) (core.ConnectedAccount, error) {
	if q == nil || q.reader == nil {
		return core.ConnectedAccount{}, queryDependencyError("query: connected account reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.ConnectedAccount{}, err
	}
	externalAccountID := strings.TrimSpace(msg.ExternalAccountID)
	account, found, err := q.reader.FindByExternalAccountID(ctx, externalAccountID)
	if err != nil {
		return core.ConnectedAccount{}, err
	}
	if !found {
		return core.ConnectedAccount{}, core.NotFoundError("query: connected account not found", map[string]any{
			"external_account_id": externalAccountID,
		})
	}
	return account, nil
}
