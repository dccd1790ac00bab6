package alerts

import (
	"time"

	"github.com/google/uuid"
)

// Event types dispatched by the system.
const (
	EventHashMismatch      = "integrity.hash_mismatch"
	EventSignatureInvalid  = "integrity.signature_invalid"
	EventMissingEntry      = "integrity.missing_entry"
	EventPayloadUnreadable = "integrity.payload_unreadable"
	EventCustodyGap        = "custody.gap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-AuditLedger-Signature"

// Event is posted to every configured endpoint.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	EventID    uuid.UUID `json:"event_id"`
	EventType  string    `json:"event_type"`
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code"`
	Attempt    int       `json:"attempt"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}
