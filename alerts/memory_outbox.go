package alerts

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-payhooks/core"
)

type memoryEntry struct {
	alert         core.CriticalAlert
	status        core.AlertStatus
	nextAttemptAt time.Time
	lastError     string
}

// MemoryOutbox is a process-local AlertOutbox for tests and single-instance
// runs. Claimed entries stay delivering until acked or retried.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	Now     func() time.Time
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		entries: map[string]*memoryEntry{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (o *MemoryOutbox) Enqueue(_ context.Context, alert core.CriticalAlert) (bool, error) {
	alert.ID = strings.TrimSpace(alert.ID)
	if alert.ID == "" {
		return false, core.BadInputError("alerts: alert id is required", nil)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.entries[alert.ID]; ok {
		return false, nil
	}
	if alert.OccurredAt.IsZero() {
		alert.OccurredAt = o.now()
	}
	alert.Attempts = 0
	alert.Payload = core.RedactSensitiveMap(alert.Payload)
	o.entries[alert.ID] = &memoryEntry{alert: alert, status: core.AlertStatusPending}
	return true, nil
}

func (o *MemoryOutbox) ClaimBatch(_ context.Context, limit int) ([]core.CriticalAlert, error) {
	if limit <= 0 {
		limit = 1
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	ready := []*memoryEntry{}
	for _, entry := range o.entries {
		if entry.status != core.AlertStatusPending {
			continue
		}
		if !entry.nextAttemptAt.IsZero() && entry.nextAttemptAt.After(now) {
			continue
		}
		ready = append(ready, entry)
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].alert.OccurredAt.Before(ready[j].alert.OccurredAt)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]core.CriticalAlert, 0, len(ready))
	for _, entry := range ready {
		entry.status = core.AlertStatusDelivering
		out = append(out, entry.alert)
	}
	return out, nil
}

func (o *MemoryOutbox) Ack(_ context.Context, alertID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[strings.TrimSpace(alertID)]
	if !ok {
		return core.NotFoundError("alerts: alert not found", map[string]any{"alert_id": alertID})
	}
	entry.status = core.AlertStatusDelivered
	entry.alert.Attempts++
	entry.lastError = ""
	return nil
}

func (o *MemoryOutbox) Retry(_ context.Context, alertID string, cause error, nextAttemptAt time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[strings.TrimSpace(alertID)]
	if !ok {
		return core.NotFoundError("alerts: alert not found", map[string]any{"alert_id": alertID})
	}
	entry.alert.Attempts++
	entry.nextAttemptAt = nextAttemptAt
	entry.status = core.AlertStatusPending
	if nextAttemptAt.IsZero() {
		entry.status = core.AlertStatusDead
	}
	if cause != nil {
		entry.lastError = cause.Error()
	}
	return nil
}

// Status returns the delivery status and attempt count for alertID.
func (o *MemoryOutbox) Status(alertID string) (core.AlertStatus, int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[strings.TrimSpace(alertID)]
	if !ok {
		return "", 0, false
	}
	return entry.status, entry.alert.Attempts, true
}

func (o *MemoryOutbox) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

var _ core.AlertOutbox = (*MemoryOutbox)(nil)
