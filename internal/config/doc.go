// Package config loads the pulsefeed-server configuration from the
// `server:` section of config.yaml.
//
// Config fields:
//   - HTTPPort            — port for the WebSocket endpoint, ingest route,
//     and status API (default 8080)
//   - Auth.Mode           — "jwt" or "none" for the WebSocket handshake
//   - Auth.SecretEnv      — environment variable holding the HS256 secret
//   - Ingest.Mode         — "apikey" or "none" for POST /api/v1/events
//   - Ingest.KeyEnv       — environment variable holding the expected key
//   - Hub.*               — per-connection queue depth, timeouts, limits
//   - Webhooks            — outbound HTTP event delivery targets
//
// Load(path) applies defaults, then the yaml file, then PULSEFEED_*
// environment overrides, then validates. Watch(ctx, path, onChange)
// hot-reloads the file via fsnotify; the caller decides which fields are
// safe to apply at runtime (hub limits are, listener ports are not).
package config
