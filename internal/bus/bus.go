// Package bus implements the messaging protocol between the background
// process and foreground webmail instances: a unix socket carrying JSON
// envelopes, with request/response on the requesting connection and
// broadcast to persistent subscribers.
package bus

import (
	"encoding/json"
)

// Request message types.
const (
	TypeEnqueueAction    = "ENQUEUE_ACTION"
	TypeQueryCacheStatus = "QUERY_CACHE_STATUS"
	TypePurge            = "PURGE"
	TypePurgeOnLogout    = "PURGE_ON_LOGOUT"
	TypePrefetch         = "PREFETCH"
	TypeSyncNow          = "SYNC_NOW"
	TypeSubscribe        = "SUBSCRIBE"
	TypeStop             = "STOP"
	TypeStatus           = "STATUS"
)

// Broadcast message types.
const (
	TypeSyncStatus = "SYNC_STATUS"
	TypeSyncFailed = "SYNC_FAILED"
	TypeOpenURL    = "OPEN_URL"
)

// Message is the envelope sent by a foreground instance.
type Message struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Response is the envelope sent back to the requesting connection, and
// the shape of broadcast messages delivered to subscribers.
type Response struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Status        string          `json:"status"` // "ok", "error"
	Message       string          `json:"message,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// EnqueueRequest is the data payload of an ENQUEUE_ACTION message.
type EnqueueRequest struct {
	ActionType string          `json:"action_type"`
	Payload    json.RawMessage `json:"payload"`
}

// PurgeRequest is the data payload of a PURGE message. Scope is "all" or
// a category substring matched against namespace names.
type PurgeRequest struct {
	Scope string `json:"scope"`
}

// PrefetchRequest is the data payload of a PREFETCH message.
type PrefetchRequest struct {
	EmailIDs []string `json:"email_ids"`
}

// PrefetchResult reports a best-effort prefetch outcome.
type PrefetchResult struct {
	Requested int `json:"requested"`
	Stored    int `json:"stored"`
}
