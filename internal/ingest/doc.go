// Package ingest exposes the collaborator-facing HTTP publish route.
//
// POST /api/v1/events with body
//
//	{"event_type":"record_created","data":{...},"scope":"org:7"}
//
// publishes one event to the hub and returns 202 {"ok":true}. The data
// field is carried through opaquely; scope is optional and limits which
// connections receive the event. In-process collaborators call
// hub.Publish directly and skip this route.
package ingest
