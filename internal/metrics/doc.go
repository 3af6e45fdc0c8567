// Package metrics exposes the hub's operational counters at GET /metrics
// in the Prometheus text exposition format.
//
// Counters are plain atomics bumped from the hub's hot paths; the
// active-connections gauge is sampled from the registry when the endpoint
// is scraped. Families are encoded with prometheus/common/expfmt over
// prometheus/client_model types.
package metrics
