package core

import "context"

const (
	MetricDecisions      = "payhooks.gatekeeper.decisions"
	MetricFinalized      = "payhooks.gatekeeper.finalized"
	MetricExhausted      = "payhooks.gatekeeper.exhausted"
	MetricSwept          = "payhooks.sweeper.reclaimed"
	MetricIngress        = "payhooks.ingress.requests"
	MetricHandlerSeconds = "payhooks.handler.duration_seconds"
	MetricAlertsEnqueued = "payhooks.alerts.enqueued"
	MetricAlertsSent     = "payhooks.alerts.delivered"
	MetricAlertsFailed   = "payhooks.alerts.failed"
	MetricJobRuns        = "payhooks.jobs.runs"
	MetricJobSeconds     = "payhooks.jobs.duration_seconds"
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
