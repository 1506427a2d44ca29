package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func inboundEventHandlers() repository.ModelHandlers[*inboundEventRecord] {
	return repository.ModelHandlers[*inboundEventRecord]{
		NewRecord: func() *inboundEventRecord {
			return &inboundEventRecord{}
		},
		GetID: func(record *inboundEventRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *inboundEventRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *inboundEventRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func connectedAccountHandlers() repository.ModelHandlers[*connectedAccountRecord] {
	return repository.ModelHandlers[*connectedAccountRecord]{
		NewRecord: func() *connectedAccountRecord {
			return &connectedAccountRecord{}
		},
		GetID: func(record *connectedAccountRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *connectedAccountRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "external_account_id"
		},
		GetIdentifierValue: func(record *connectedAccountRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ExternalAccountID)
		},
	}
}

// Alert ids are derived keys, not uuids.
func criticalAlertHandlers() repository.ModelHandlers[*criticalAlertRecord] {
	return repository.ModelHandlers[*criticalAlertRecord]{
		NewRecord: func() *criticalAlertRecord {
			return &criticalAlertRecord{}
		},
		GetID: func(record *criticalAlertRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *criticalAlertRecord, id uuid.UUID) {
			if record == nil || strings.TrimSpace(record.ID) != "" {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *criticalAlertRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
