package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-payhooks/core"
)

var (
	_ gocmd.Querier[GetInboundEventMessage, core.InboundEvent]         = (*GetInboundEventQuery)(nil)
	_ gocmd.Querier[ListFailedEventsMessage, []core.InboundEvent]      = (*ListFailedEventsQuery)(nil)
	_ gocmd.Querier[GetConnectedAccountMessage, core.ConnectedAccount] = (*GetConnectedAccountQuery)(nil)
)
