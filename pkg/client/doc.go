// Package client is the Go client for publishing events to a
// pulsefeed-server over its HTTP ingest route.
//
//	c := client.New("http://localhost:8080", os.Getenv("PULSEFEED_API_KEY"))
//	err := c.Publish(ctx, "record_created", json.RawMessage(`{"id":42}`), "org:7")
//
// Transport errors and 5xx responses are retried with exponential
// backoff; 4xx responses fail immediately.
package client
