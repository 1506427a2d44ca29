package core

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryEventStore is a process-local EventStore. A single mutex makes
// InsertIfAbsent and Transition atomic, which is enough for tests and
// single-instance deployments.
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[EventKey]InboundEvent
	Now    func() time.Time
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: map[EventKey]InboundEvent{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *MemoryEventStore) Find(_ context.Context, source string, externalEventID string) (InboundEvent, bool, error) {
	if s == nil {
		return InboundEvent{}, false, InternalError("core: memory event store is nil", nil)
	}
	key := EventKey{Source: strings.TrimSpace(source), ExternalEventID: strings.TrimSpace(externalEventID)}
	if err := key.Validate(); err != nil {
		return InboundEvent{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[key]
	if !ok {
		return InboundEvent{}, false, nil
	}
	return cloneEvent(event), true, nil
}

func (s *MemoryEventStore) InsertIfAbsent(_ context.Context, in NewInboundEvent) (InboundEvent, bool, error) {
	if s == nil {
		return InboundEvent{}, false, InternalError("core: memory event store is nil", nil)
	}
	in.Source = strings.TrimSpace(in.Source)
	in.ExternalEventID = strings.TrimSpace(in.ExternalEventID)
	in.EventType = strings.TrimSpace(in.EventType)
	if err := in.Validate(); err != nil {
		return InboundEvent{}, false, err
	}
	now := in.ReceivedAt
	if now.IsZero() {
		now = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = map[EventKey]InboundEvent{}
	}
	if existing, ok := s.events[in.Key()]; ok {
		return cloneEvent(existing), false, nil
	}
	event := InboundEvent{
		ID:              uuid.NewString(),
		Source:          in.Source,
		ExternalEventID: in.ExternalEventID,
		EventType:       in.EventType,
		RawPayload:      bytes.Clone(in.RawPayload),
		Status:          EventStatusPending,
		ResultSummary:   map[string]any{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.events[in.Key()] = event
	return cloneEvent(event), true, nil
}

func (s *MemoryEventStore) Transition(_ context.Context, in TransitionInput) (InboundEvent, bool, error) {
	if s == nil {
		return InboundEvent{}, false, InternalError("core: memory event store is nil", nil)
	}
	if err := in.Validate(); err != nil {
		return InboundEvent{}, false, err
	}
	if in.Extra.UpdatedAt.IsZero() {
		in.Extra.UpdatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.events[in.Event.Key()]
	if !ok || current.ID != in.Event.ID {
		return InboundEvent{}, false, nil
	}
	if current.Status != in.From || current.AttemptCount != in.Event.AttemptCount {
		return cloneEvent(current), false, nil
	}
	in.Event = current
	next := in.Apply()
	s.events[next.Key()] = next
	return cloneEvent(next), true, nil
}

func (s *MemoryEventStore) ListStuck(_ context.Context, startedBefore time.Time, limit int) ([]InboundEvent, error) {
	if s == nil {
		return nil, InternalError("core: memory event store is nil", nil)
	}
	s.mu.Lock()
	out := []InboundEvent{}
	for _, event := range s.events {
		if event.Status != EventStatusProcessing || event.ProcessingStartedAt == nil {
			continue
		}
		if event.ProcessingStartedAt.Before(startedBefore) {
			out = append(out, cloneEvent(event))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ProcessingStartedAt.Before(*out[j].ProcessingStartedAt)
	})
	return limitEvents(out, limit), nil
}

func (s *MemoryEventStore) ListFailed(_ context.Context, filter FailedEventFilter) ([]InboundEvent, error) {
	if s == nil {
		return nil, InternalError("core: memory event store is nil", nil)
	}
	source := strings.TrimSpace(filter.Source)
	s.mu.Lock()
	out := []InboundEvent{}
	for _, event := range s.events {
		if event.Status != EventStatusFailed {
			continue
		}
		if source != "" && event.Source != source {
			continue
		}
		if filter.RetryableOnly && !event.Retryable {
			continue
		}
		out = append(out, cloneEvent(event))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return limitEvents(out, filter.Limit), nil
}

func (s *MemoryEventStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func limitEvents(events []InboundEvent, limit int) []InboundEvent {
	if limit > 0 && len(events) > limit {
		return events[:limit]
	}
	return events
}

func cloneEvent(event InboundEvent) InboundEvent {
	event.RawPayload = bytes.Clone(event.RawPayload)
	event.ResultSummary = copyAnyMap(event.ResultSummary)
	event.ProcessingStartedAt = copyTime(event.ProcessingStartedAt)
	event.FinishedAt = copyTime(event.FinishedAt)
	return event
}

var _ EventStore = (*MemoryEventStore)(nil)
