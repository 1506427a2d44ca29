// Package alerts is the guaranteed delivery path for critical escalations.
//
// Handlers call Escalator.Escalate, which only writes the alert to a durable
// outbox keyed by alert id. A Dispatcher later claims pending alerts, hands
// them to a Sink and acknowledges or reschedules them with exponential
// backoff. Alerts that exhaust their attempts are parked as dead for
// operators to inspect.
package alerts
