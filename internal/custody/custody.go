// Package custody tracks chain-of-custody for ledger entities.
//
// A custody chain is the ordered list of custody_transfer entries for one
// entity. It can fail in two independent ways: cryptographically (an entry
// was altered, its signature does not verify, or it no longer links into
// the global chain) and logically (a transfer's from_holder is not the
// previous transfer's to_holder, i.e. nobody had custody in between).
package custody

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/signing"
	"github.com/jmerrifield20/AuditLedger/internal/store"
)

// Submitter commits a candidate and waits for its acknowledgment.
type Submitter interface {
	SubmitAndWait(ctx context.Context, cand *ledger.Candidate) (*ledger.Entry, error)
}

// Transfer describes one hand-over. EntryID is optional; a producer that
// sets it can poll for the transfer after an ack timeout and resubmit it
// without creating a duplicate.
type Transfer struct {
	EntryID    uuid.UUID      `json:"entry_id,omitzero"`
	From       string         `json:"from_holder"`
	To         string         `json:"to_holder"`
	Location   string         `json:"location,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Conditions map[string]any `json:"conditions,omitempty"`
}

// Record is a custody transfer as read back from the ledger.
type Record struct {
	Sequence   uint64           `json:"sequence_number"`
	EntryID    uuid.UUID        `json:"entry_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Actor      ledger.Actor     `json:"actor"`
	Entity     ledger.EntityRef `json:"entity"`
	FromHolder string           `json:"from_holder"`
	ToHolder   string           `json:"to_holder"`
	Location   string           `json:"location,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Conditions map[string]any   `json:"conditions,omitempty"`
	ChainHash  string           `json:"chain_hash"`

	entry *ledger.Entry
}

// TimeRange bounds a custody chain query. Both ends are inclusive; zero
// values are open.
type TimeRange struct {
	Since time.Time
	Until time.Time
}

// IssueKind separates broken custody from broken cryptography.
type IssueKind string

const (
	IssueLogical       IssueKind = "logical"
	IssueCryptographic IssueKind = "cryptographic"
	IssueUnreadable    IssueKind = "payload_unreadable"
)

const (
	causeHashMismatch     = "hash_mismatch"
	causeSignatureInvalid = "signature_invalid"
	causeMissingEntry     = "missing_entry"
	causeCustodyGap       = "custody_gap"
	causeUnreadable       = "payload_unreadable"
)

// Gap is a hand-over where custody was not continuous.
type Gap struct {
	AfterSequence  uint64 `json:"after_sequence"`
	Sequence       uint64 `json:"sequence_number"`
	ExpectedHolder string `json:"expected_from_holder"`
	ActualHolder   string `json:"actual_from_holder"`
}

// Issue is one problem found in a custody chain.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	Sequence uint64    `json:"sequence_number"`
	Cause    string    `json:"cause"`
	Expected string    `json:"expected_hash,omitempty"`
	Actual   string    `json:"actual_hash,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Report is the result of Verify.
type Report struct {
	Entity        ledger.EntityRef `json:"entity"`
	Valid         bool             `json:"valid"`
	Transfers     int              `json:"transfers"`
	CurrentHolder string           `json:"current_holder,omitempty"`
	Gaps          []Gap            `json:"gaps,omitempty"`
	Issues        []Issue          `json:"issues,omitempty"`
}

// Err returns the first issue as a typed error. Cryptographic issues take
// precedence over logical ones.
func (r *Report) Err() error {
	for _, is := range r.Issues {
		if is.Kind != IssueCryptographic {
			continue
		}
		switch is.Cause {
		case causeSignatureInvalid:
			return &ledger.SignatureInvalidError{Sequence: is.Sequence, Reason: is.Detail}
		case causeMissingEntry:
			return &ledger.MissingEntryError{Sequence: is.Sequence - 1}
		default:
			return &ledger.HashMismatchError{Sequence: is.Sequence, Expected: is.Expected, Actual: is.Actual}
		}
	}
	if len(r.Gaps) > 0 {
		g := r.Gaps[0]
		return &ledger.LogicalCustodyGapError{
			Entity:        r.Entity,
			AfterSequence: g.AfterSequence,
			Sequence:      g.Sequence,
			Expected:      g.ExpectedHolder,
			Actual:        g.ActualHolder,
		}
	}
	return nil
}

// Tracker records and checks custody chains.
type Tracker struct {
	submit   Submitter
	store    store.Store
	verifier signing.Verifier
	logger   *zap.Logger
}

// NewTracker returns a Tracker that writes through sub and reads from st.
func NewTracker(sub Submitter, st store.Store, v signing.Verifier, logger *zap.Logger) *Tracker {
	return &Tracker{submit: sub, store: st, verifier: v, logger: logger}
}

// RecordTransfer appends a custody_transfer entry for ref and waits for it
// to commit.
func (t *Tracker) RecordTransfer(ctx context.Context, ref ledger.EntityRef, actor ledger.Actor, tr Transfer) (*ledger.Entry, error) {
	if strings.TrimSpace(tr.To) == "" {
		return nil, &ledger.ValidationError{Msg: "custody transfer requires to_holder"}
	}
	cand, err := ledger.NewCandidate(actor, ledger.ActionCustodyTransfer, ref, ledger.CustodyPayload{
		FromHolder: tr.From,
		ToHolder:   tr.To,
		Location:   tr.Location,
		Reason:     tr.Reason,
		Conditions: tr.Conditions,
	})
	if err != nil {
		return nil, err
	}
	if tr.EntryID != uuid.Nil {
		cand.EntryID = tr.EntryID
	}
	e, err := t.submit.SubmitAndWait(ctx, cand)
	if err != nil {
		return nil, fmt.Errorf("record custody transfer for %s: %w", ref, ledger.AttachEntryID(cand.EntryID, err))
	}
	t.logger.Info("custody transferred",
		zap.String("entity", ref.String()),
		zap.String("from", tr.From),
		zap.String("to", tr.To),
		zap.Uint64("seq", e.SequenceNumber),
	)
	return e, nil
}

// Chain returns the custody records of ref ordered by sequence number.
func (t *Tracker) Chain(ctx context.Context, ref ledger.EntityRef, tr TimeRange) ([]Record, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	entries, err := t.store.ByEntity(ctx, ref, store.Query{
		Action: ledger.ActionCustodyTransfer,
		Since:  tr.Since,
		Until:  tr.Until,
	})
	if err != nil {
		return nil, fmt.Errorf("custody chain for %s: %w", ref, err)
	}
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, toRecord(e))
	}
	return records, nil
}

func toRecord(e *ledger.Entry) Record {
	r := Record{
		Sequence:  e.SequenceNumber,
		EntryID:   e.EntryID,
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Entity:    e.Entity,
		ChainHash: e.ChainHash,
		entry:     e,
	}
	if p, ok := e.Payload.(ledger.CustodyPayload); ok {
		r.FromHolder = p.FromHolder
		r.ToHolder = p.ToHolder
		r.Location = p.Location
		r.Reason = p.Reason
		r.Conditions = p.Conditions
	}
	return r
}

// Verify checks every transfer of ref cryptographically and the
// sequence of transfers for continuity of custody.
func (t *Tracker) Verify(ctx context.Context, ref ledger.EntityRef) (*Report, error) {
	records, err := t.Chain(ctx, ref, TimeRange{})
	if err != nil {
		return nil, err
	}
	rep := &Report{Entity: ref, Transfers: len(records)}

	var prev *Record
	for i := range records {
		rec := &records[i]
		if err := t.checkCrypto(ctx, rep, rec.entry); err != nil {
			return nil, err
		}
		if rec.entry.PayloadErr != nil {
			rep.Issues = append(rep.Issues, Issue{
				Kind:     IssueUnreadable,
				Sequence: rec.Sequence,
				Cause:    causeUnreadable,
				Detail:   rec.entry.PayloadErr.Error(),
			})
			// Continuity cannot be judged across an unreadable transfer.
			prev = nil
			continue
		}
		if prev != nil && rec.FromHolder != prev.ToHolder {
			rep.Gaps = append(rep.Gaps, Gap{
				AfterSequence:  prev.Sequence,
				Sequence:       rec.Sequence,
				ExpectedHolder: prev.ToHolder,
				ActualHolder:   rec.FromHolder,
			})
			rep.Issues = append(rep.Issues, Issue{
				Kind:     IssueLogical,
				Sequence: rec.Sequence,
				Cause:    causeCustodyGap,
				Detail:   fmt.Sprintf("from_holder %q, previous to_holder %q", rec.FromHolder, prev.ToHolder),
			})
		}
		prev = rec
		rep.CurrentHolder = rec.ToHolder
	}

	rep.Valid = len(rep.Issues) == 0
	if !rep.Valid {
		t.logger.Warn("custody chain has issues",
			zap.String("entity", ref.String()),
			zap.Int("gaps", len(rep.Gaps)),
			zap.Int("issues", len(rep.Issues)),
		)
	}
	return rep, nil
}

// checkCrypto recomputes the entry's hash, verifies its signature and its
// link to the global predecessor.
func (t *Tracker) checkCrypto(ctx context.Context, rep *Report, e *ledger.Entry) error {
	add := func(cause, expected, actual, detail string) {
		rep.Issues = append(rep.Issues, Issue{
			Kind:     IssueCryptographic,
			Sequence: e.SequenceNumber,
			Cause:    cause,
			Expected: expected,
			Actual:   actual,
			Detail:   detail,
		})
	}

	if h, err := ledger.ComputeChainHash(e, e.PreviousHash); err != nil {
		add(causeHashMismatch, "", e.ChainHash, err.Error())
	} else if h != e.ChainHash {
		add(causeHashMismatch, h, e.ChainHash, "stored chain_hash does not match recomputation")
	} else if d, ok := ledger.DigestMatches(e); !ok {
		add(causeHashMismatch, d, e.PayloadDigest, "stored payload_digest does not match payload")
	}
	if err := t.verifier.Verify(e.EntryID, e.ChainHash, e.Signature); err != nil {
		add(causeSignatureInvalid, "", "", err.Error())
	}
	if e.SequenceNumber == 0 {
		return nil
	}
	prev, err := t.store.Get(ctx, e.SequenceNumber-1)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		add(causeMissingEntry, "", "", fmt.Sprintf("predecessor %d is missing", e.SequenceNumber-1))
	case err != nil:
		return fmt.Errorf("read predecessor of %d: %w", e.SequenceNumber, err)
	case prev.ChainHash != e.PreviousHash:
		add(causeHashMismatch, prev.ChainHash, e.PreviousHash, "previous_hash does not match global predecessor")
	}
	return nil
}
