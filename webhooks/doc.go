// Package webhooks is the ingress for upstream payment events.
//
// A delivery moves through verify -> decode -> admit -> dispatch -> finalize.
// Admission goes through the core gatekeeper, so each (source, event id)
// pair runs its handler at most once at a time and never again after it is
// processed. Redeliveries of failed events are reclaimed while attempts
// remain.
package webhooks
