package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"

	"github.com/goliatone/go-payhooks/core"
)

const (
	JobIDAlertDispatch = core.JobIDAlertDispatch
	JobIDStuckSweep    = core.JobIDStuckSweep

	// attemptParameter carries the 1-based attempt number across requeues.
	attemptParameter = "payhooks_attempt"
)

// RetryPolicy bounds requeues of failed jobs. Once MaxAttempts is reached a
// requeue request becomes a dead letter.
type RetryPolicy struct {
	MaxAttempts int
	MaxDelay    time.Duration
}

func (p RetryPolicy) nackOptions(opts core.JobNackOptions, attempt int) queue.NackOptions {
	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	requeue := opts.Requeue && !opts.DeadLetter
	if requeue && p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		requeue = false
	}
	return queue.NackOptions{
		Delay:      delay,
		Requeue:    requeue,
		DeadLetter: !requeue,
		Reason:     strings.TrimSpace(opts.Reason),
	}
}

// Queue exposes a go-job enqueuer and dequeuer through the payhooks job
// contracts used by the escalator and the Runner.
type Queue struct {
	enqueuer queue.Enqueuer
	dequeuer queue.Dequeuer
	policy   RetryPolicy
}

func NewQueue(enqueuer queue.Enqueuer, dequeuer queue.Dequeuer, policy RetryPolicy) *Queue {
	return &Queue{enqueuer: enqueuer, dequeuer: dequeuer, policy: policy}
}

func (q *Queue) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if q == nil || q.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if msg == nil || strings.TrimSpace(msg.JobID) == "" {
		return fmt.Errorf("gojob: job id is required")
	}
	return q.enqueuer.Enqueue(ctx, toExecutionMessage(msg))
}

func (q *Queue) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if q == nil || q.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	raw, err := q.dequeuer.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	return &delivery{raw: raw, policy: q.policy}, nil
}

type delivery struct {
	raw    queue.Delivery
	policy RetryPolicy
}

func (d *delivery) Message() *core.JobExecutionMessage {
	return fromExecutionMessage(d.raw.Message())
}

func (d *delivery) Ack(ctx context.Context) error {
	return d.raw.Ack(ctx)
}

func (d *delivery) Exhausted() bool {
	msg := d.raw.Message()
	return msg != nil && d.policy.MaxAttempts > 0 && attemptOf(msg.Parameters) >= d.policy.MaxAttempts
}

// Nack applies the retry policy and, when the job goes back on the queue,
// bumps the attempt number stored on the go-job message.
func (d *delivery) Nack(ctx context.Context, opts core.JobNackOptions) error {
	msg := d.raw.Message()
	var attempt int
	if msg != nil {
		attempt = attemptOf(msg.Parameters)
	}
	nack := d.policy.nackOptions(opts, attempt)
	if nack.Requeue && msg != nil {
		if msg.Parameters == nil {
			msg.Parameters = map[string]any{}
		}
		msg.Parameters[attemptParameter] = attempt + 1
	}
	return d.raw.Nack(ctx, nack)
}

func toExecutionMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyParameters(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

func fromExecutionMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          msg.JobID,
		ScriptPath:     msg.ScriptPath,
		Parameters:     copyParameters(msg.Parameters),
		IdempotencyKey: msg.IdempotencyKey,
		DedupPolicy:    string(msg.DedupPolicy),
	}
}

func attemptOf(parameters map[string]any) int {
	if attempt := intValue(parameters[attemptParameter]); attempt > 0 {
		return attempt
	}
	return 1
}

func intValue(value any) int {
	switch typed := value.(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	default:
		return 0
	}
}

func copyParameters(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var (
	_ core.JobEnqueuer = (*Queue)(nil)
	_ core.JobDequeuer = (*Queue)(nil)
	_ core.JobDelivery = (*delivery)(nil)
)
