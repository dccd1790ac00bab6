package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
)

// Sentinels shared with the server. Match them with errors.Is.
var (
	ErrNotFound          = ledger.ErrNotFound
	ErrQueueFull         = ledger.ErrQueueFull
	ErrWriterUnavailable = ledger.ErrWriterUnavailable
	ErrAckTimeout        = ledger.ErrAckTimeout

	ErrInvalid      = errors.New("request rejected as invalid")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrRateLimited  = errors.New("rate limited")
)

// APIError is a non-2xx response from the ledger server.
type APIError struct {
	StatusCode int
	Message    string
	// RetryAfter is the Retry-After header, if any.
	RetryAfter string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger server %d: %s", e.StatusCode, e.Message)
}

// Is maps the status code back to the sentinels.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return target == ErrInvalid
	case http.StatusUnauthorized:
		return target == ErrUnauthorized
	case http.StatusForbidden:
		return target == ErrForbidden
	case http.StatusNotFound:
		return target == ErrNotFound
	case http.StatusTooManyRequests:
		return target == ErrRateLimited
	case http.StatusServiceUnavailable:
		if e.RetryAfter != "" {
			return target == ErrQueueFull
		}
		return target == ErrWriterUnavailable
	}
	return false
}

// AckTimeoutError is returned by SubmitAndWait, Amend, Attest and
// RecordTransfer when the server queued the entry but did not see it
// commit in time. Poll Disposition with EntryID.
type AckTimeoutError = ledger.AckTimeoutError
