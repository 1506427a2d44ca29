// Package core holds the inbound event model, the idempotency gatekeeper
// and the contracts the webhook pipeline is assembled from. Storage,
// transport and alert sinks live in adapter packages that depend on core;
// core never imports them.
package core
