package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("entry not found")

	// ErrQueueFull is returned when the ingest queue stayed full for the whole
	// submit timeout. It is transient; retry with the same entry_id.
	ErrQueueFull = errors.New("ingest queue full")

	// ErrWriterUnavailable is returned when the ledger writer is stopped or
	// crashed. Committed entries are intact; queued ones must be resubmitted.
	ErrWriterUnavailable = errors.New("ledger writer unavailable")

	// ErrAckTimeout means the writer did not acknowledge in time. The entry
	// may still commit; poll its disposition by entry_id.
	ErrAckTimeout = errors.New("timed out waiting for commit acknowledgment")

	ErrHashMismatch     = errors.New("hash mismatch")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrMissingEntry     = errors.New("missing entry")
	ErrCustodyGap       = errors.New("logical custody gap")
)

// ValidationError reports a malformed candidate.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// EncodingError reports a value that has no canonical encoding.
type EncodingError struct {
	Path   string
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return "encoding: " + e.Reason
	}
	return fmt.Sprintf("encoding %s: %s", e.Path, e.Reason)
}

// HashMismatchError means a stored hash does not match its recomputation or
// its link. It signals tampering or storage corruption.
type HashMismatchError struct {
	Sequence uint64
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch at seq %d: expected %s, got %s", e.Sequence, e.Expected, e.Actual)
}

func (e *HashMismatchError) Is(target error) bool { return target == ErrHashMismatch }

// SignatureInvalidError means the chain is intact but an entry's signature
// does not verify, often a key rotation problem.
type SignatureInvalidError struct {
	Sequence uint64
	KeyID    string
	Reason   string
}

func (e *SignatureInvalidError) Error() string {
	return fmt.Sprintf("signature invalid at seq %d (key %q): %s", e.Sequence, e.KeyID, e.Reason)
}

func (e *SignatureInvalidError) Is(target error) bool { return target == ErrSignatureInvalid }

// MissingEntryError means a sequence number in the walked range has no entry.
type MissingEntryError struct {
	Sequence uint64
}

func (e *MissingEntryError) Error() string {
	return fmt.Sprintf("missing entry at seq %d", e.Sequence)
}

func (e *MissingEntryError) Is(target error) bool { return target == ErrMissingEntry }

// LogicalCustodyGapError means a custody chain is hash-valid but a transfer's
// from_holder does not match the previous transfer's to_holder.
type LogicalCustodyGapError struct {
	Entity        EntityRef
	AfterSequence uint64
	Sequence      uint64
	Expected      string
	Actual        string
}

func (e *LogicalCustodyGapError) Error() string {
	return fmt.Sprintf("custody gap for %s at seq %d: from_holder %q, previous to_holder %q (seq %d)",
		e.Entity, e.Sequence, e.Actual, e.Expected, e.AfterSequence)
}

func (e *LogicalCustodyGapError) Is(target error) bool { return target == ErrCustodyGap }

// AckTimeoutError carries the entry_id of a candidate that was queued but
// not acknowledged in time. The entry may still commit under that id.
type AckTimeoutError struct {
	EntryID uuid.UUID
	Err     error
}

// NewAckTimeout wraps err, which must match ErrAckTimeout, with id.
func NewAckTimeout(id uuid.UUID, err error) *AckTimeoutError {
	return &AckTimeoutError{EntryID: id, Err: err}
}

// AttachEntryID returns err with id attached when err is an ack timeout
// that does not name its entry yet. Other errors pass through unchanged.
func AttachEntryID(id uuid.UUID, err error) error {
	var ack *AckTimeoutError
	if errors.Is(err, ErrAckTimeout) && !errors.As(err, &ack) {
		return NewAckTimeout(id, err)
	}
	return err
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("entry %s: %v", e.EntryID, e.Err)
}

func (e *AckTimeoutError) Unwrap() error { return e.Err }

func (e *AckTimeoutError) Is(target error) bool { return target == ErrAckTimeout }
