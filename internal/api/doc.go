// Package api serves the read-only status endpoints for pulsefeed-server.
//
//	GET /api/v1/health — liveness probe, always {"status":"ok"}
//	GET /api/v1/status — live connection count, goroutines, uptime
//
// Both endpoints are unauthenticated; they expose no event data.
package api
