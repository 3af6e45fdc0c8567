// Package webhook delivers published events to configured HTTP targets
// (slack, teams, or plain http) alongside the WebSocket fan-out.
//
// Delivery is best-effort: a slow or failing target is logged and
// retried on no schedule. Targets resolve their URLs from environment
// variables so webhook credentials stay out of the config file.
package webhook
