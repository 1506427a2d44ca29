package core

import (
	"context"
)

const defaultSweepBatch = 100

type SweepResult struct {
	Scanned   int
	Reclaimed int
	Lost      int
}

// Sweeper moves abandoned processing claims to failed/retryable so the next
// delivery can reclaim them without waiting for a takeover.
type Sweeper struct {
	gatekeeper *Gatekeeper
	batchSize  int
}

func NewSweeper(gatekeeper *Gatekeeper, batchSize int) (*Sweeper, error) {
	if gatekeeper == nil {
		return nil, InternalError("core: sweeper requires a gatekeeper", nil)
	}
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	return &Sweeper{gatekeeper: gatekeeper, batchSize: batchSize}, nil
}

func (s *Sweeper) Sweep(ctx context.Context, limit int) (SweepResult, error) {
	if s == nil || s.gatekeeper == nil {
		return SweepResult{}, InternalError("core: sweeper is not configured", nil)
	}
	if limit <= 0 {
		limit = s.batchSize
	}
	g := s.gatekeeper
	now := g.now()
	cutoff := now.Add(-g.policy.StuckAfter)
	stuck, err := g.store.ListStuck(ctx, cutoff, limit)
	if err != nil {
		return SweepResult{}, StoreUnavailableError(err, "core: list stuck events", nil)
	}

	result := SweepResult{Scanned: len(stuck)}
	for _, event := range stuck {
		if !event.IsStuck(now, g.policy.StuckAfter) {
			continue
		}
		_, ok, err := g.abandon(ctx, event, now)
		if err != nil {
			return result, g.storeError(err, "sweep", event.Key())
		}
		if !ok {
			result.Lost++
			continue
		}
		result.Reclaimed++
		g.observer.Warn(ctx, "payhooks: abandoned claim released", EventFields(event))
		if event.AttemptCount >= g.policy.MaxAttempts {
			g.observer.Count(ctx, MetricExhausted, map[string]string{"source": event.Source, "type": event.EventType})
			g.observer.Error(ctx, "payhooks: abandoned event exhausted its attempts, manual investigation required", EventFields(event))
		}
	}
	if result.Reclaimed > 0 {
		g.observer.Add(ctx, MetricSwept, int64(result.Reclaimed), nil)
	}
	return result, nil
}
