// Package webhook implements the async fan-out from the ingestion path
// to external HTTP subscribers and internal in-process handlers,
// grounded on server/graph_service/async_webhooks.py's AsyncWebhookDispatcher.
package webhook

import (
	"context"
	"time"
)

// EventType enumerates the kinds of events this dispatcher fans out,
// mirroring the source's node_access/data_ingestion event families.
type EventType string

const (
	EventNodeAccess    EventType = "node_access"
	EventDataIngestion EventType = "data_ingestion"
)

// Event is a single fan-out unit: an ingestion-path occurrence worth
// notifying external webhooks and internal handlers about.
type Event struct {
	Type      EventType      `json:"type"`
	Tenant    string         `json:"tenant,omitempty"`
	EntityID  string         `json:"entity_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Handler is an internal, in-process subscriber. It always runs,
// regardless of external circuit-breaker state, matching the source's
// internal_handlers list.
type Handler func(ctx context.Context, event Event) error
