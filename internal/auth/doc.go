// Package auth validates WebSocket auth handshakes and guards the HTTP
// ingest route.
//
// Authenticator.Authenticate(frame, remoteAddr) is the only path that
// produces an Identity. In "none" mode the identity fields of the auth
// frame are trusted; in "jwt" mode the frame must carry an HS256-signed
// token whose claims (uid, username, user_type, scope) supply the
// identity. Failed handshakes are counted per remote address in a TTL
// cache; past auth.max_failures further attempts get ErrThrottled without
// the frame being inspected.
//
// APIKeyMiddleware(mode, header, key) wraps the event ingest handler.
// When mode != "apikey" or key == "", all requests pass through (useful
// for local development with auth disabled).
package auth
