// Package verify walks the ledger and reports where its integrity breaks.
//
// Verification is read-only. Detected tampering is a result, returned in a
// Report; only infrastructure failures (the store is unreachable) are
// returned as errors.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/signing"
	"github.com/jmerrifield20/AuditLedger/internal/store"
)

// Cause classifies a finding.
type Cause string

const (
	CauseHashMismatch     Cause = "hash_mismatch"
	CauseSignatureInvalid Cause = "signature_invalid"
	CauseMissingEntry     Cause = "missing_entry"
)

// PayloadUnreadable tags an entry whose stored payload could not be opened.
// The chain still verifies through the stored digest.
const PayloadUnreadable = "payload_unreadable"

// Finding is one integrity failure at one sequence number.
type Finding struct {
	Sequence     uint64 `json:"sequence_number"`
	Cause        Cause  `json:"cause"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	ActualHash   string `json:"actual_hash,omitempty"`
	KeyID        string `json:"key_id,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// PayloadIssue records a payload the verifier could not read.
type PayloadIssue struct {
	Sequence uint64 `json:"sequence_number"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

// Report is the outcome of a range verification.
type Report struct {
	Start          uint64 `json:"start"`
	End            uint64 `json:"end"`
	EntriesChecked uint64 `json:"entries_checked"`
	IntactEntries  uint64 `json:"intact_entries"`

	// Completed is false when the walk stopped at MaxFindings before End.
	Completed bool `json:"completed"`
	Valid     bool `json:"valid"`

	FirstBrokenSequence *uint64   `json:"first_broken_sequence,omitempty"`
	Cause               Cause     `json:"cause,omitempty"`
	Findings            []Finding `json:"findings,omitempty"`

	// UnverifiableFrom is the first sequence number whose integrity cannot
	// be established because an earlier link is broken.
	UnverifiableFrom *uint64 `json:"unverifiable_from,omitempty"`

	ComplianceScore float64        `json:"compliance_score"`
	PayloadIssues   []PayloadIssue `json:"payload_issues,omitempty"`
	VerifiedAt      time.Time      `json:"verified_at"`

	scored uint64
}

// Err returns the typed error for the first finding, or nil.
func (r *Report) Err() error {
	if len(r.Findings) == 0 {
		return nil
	}
	f := r.Findings[0]
	switch f.Cause {
	case CauseHashMismatch:
		return &ledger.HashMismatchError{Sequence: f.Sequence, Expected: f.ExpectedHash, Actual: f.ActualHash}
	case CauseSignatureInvalid:
		return &ledger.SignatureInvalidError{Sequence: f.Sequence, KeyID: f.KeyID, Reason: f.Detail}
	default:
		return &ledger.MissingEntryError{Sequence: f.Sequence}
	}
}

func (r *Report) add(f Finding) {
	if len(r.Findings) == 0 {
		seq := f.Sequence
		r.FirstBrokenSequence = &seq
		r.Cause = f.Cause
	}
	r.Findings = append(r.Findings, f)
}

// breakChain marks everything after seq as unverifiable.
func (r *Report) breakChain(seq uint64) {
	if r.UnverifiableFrom == nil {
		next := seq + 1
		r.UnverifiableFrom = &next
	}
}

func (r *Report) unverifiable(seq uint64) bool {
	return r.UnverifiableFrom != nil && seq >= *r.UnverifiableFrom
}

// Options tune a verification run.
type Options struct {
	// MaxFindings stops the walk after this many findings. Zero means no
	// limit.
	MaxFindings int
}

// Service verifies ranges of a ledger store.
type Service struct {
	store    store.Store
	verifier signing.Verifier
	logger   *zap.Logger
	opts     Options
}

// NewService returns a verifier over st that checks signatures with v.
func NewService(st store.Store, v signing.Verifier, opts Options, logger *zap.Logger) *Service {
	return &Service{store: st, verifier: v, logger: logger, opts: opts}
}

// VerifyRange walks [start, end]. A nil start means 0; a nil end means the
// current tail. Requesting an end past the tail reports the absent entries
// as missing, which detects truncation against a previously recorded head.
func (s *Service) VerifyRange(ctx context.Context, start, end *uint64) (*Report, error) {
	rep := &Report{VerifiedAt: time.Now().UTC()}

	tail, err := s.store.Tail(ctx)
	if errors.Is(err, store.ErrEmpty) {
		rep.Completed, rep.Valid, rep.ComplianceScore = true, true, 1
		return rep, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tail: %w", err)
	}

	if start != nil {
		rep.Start = *start
	}
	rep.End = tail.SequenceNumber
	if end != nil {
		rep.End = *end
	}
	if rep.Start > rep.End {
		return nil, &ledger.ValidationError{Msg: fmt.Sprintf("range start %d is after end %d", rep.Start, rep.End)}
	}

	w := &walk{svc: s, rep: rep, next: rep.Start}
	if rep.Start > 0 {
		anchor, err := s.store.Get(ctx, rep.Start-1)
		switch {
		case err == nil:
			w.prevHash, w.prevOK = anchor.ChainHash, true
		case errors.Is(err, ledger.ErrNotFound):
			rep.add(Finding{Sequence: rep.Start - 1, Cause: CauseMissingEntry, Detail: "range anchor is missing"})
			rep.breakChain(rep.Start - 1)
		default:
			return nil, fmt.Errorf("read anchor %d: %w", rep.Start-1, err)
		}
	}

	err = s.store.Range(ctx, rep.Start, rep.End, w.visit)
	if err != nil && !errors.Is(err, errStop) {
		return nil, fmt.Errorf("walk ledger: %w", err)
	}
	rep.Completed = !errors.Is(err, errStop)
	if rep.Completed && w.next <= rep.End {
		w.missing(w.next, rep.End)
	}

	rep.Valid = len(rep.Findings) == 0 && rep.Completed
	rep.ComplianceScore = 1
	if rep.scored > 0 {
		rep.ComplianceScore = float64(rep.IntactEntries) / float64(rep.scored)
	}

	if rep.Valid {
		s.logger.Debug("ledger range verified",
			zap.Uint64("start", rep.Start),
			zap.Uint64("end", rep.End),
			zap.Uint64("entries", rep.EntriesChecked),
		)
	} else {
		s.logger.Error("ledger integrity failure",
			zap.Uint64("start", rep.Start),
			zap.Uint64("end", rep.End),
			zap.Uint64p("first_broken", rep.FirstBrokenSequence),
			zap.String("cause", string(rep.Cause)),
			zap.Int("findings", len(rep.Findings)),
			zap.Float64("compliance_score", rep.ComplianceScore),
		)
	}
	return rep, nil
}

var errStop = errors.New("finding limit reached")

// walk carries the state of one verification pass.
type walk struct {
	svc      *Service
	rep      *Report
	next     uint64 // sequence number expected next
	prevHash string // stored chain hash of entry next-1
	prevOK   bool   // prevHash is known
}

func (w *walk) missing(from, to uint64) {
	detail := "entry absent"
	if to > from {
		detail = fmt.Sprintf("%d entries absent (%d-%d)", to-from+1, from, to)
	}
	w.rep.add(Finding{Sequence: from, Cause: CauseMissingEntry, Detail: detail})
	if from > 0 {
		w.rep.breakChain(from - 1)
	} else if w.rep.UnverifiableFrom == nil {
		zero := uint64(0)
		w.rep.UnverifiableFrom = &zero
	}
	w.prevOK = false
}

func (w *walk) visit(e *ledger.Entry) error {
	rep := w.rep
	seq := e.SequenceNumber
	if seq > w.next {
		w.missing(w.next, seq-1)
	}
	w.next = seq + 1
	rep.EntriesChecked++
	if seq != 0 {
		rep.scored++
	}

	before := len(rep.Findings)
	if e.PayloadErr != nil {
		rep.PayloadIssues = append(rep.PayloadIssues, PayloadIssue{
			Sequence: seq,
			Kind:     PayloadUnreadable,
			Detail:   e.PayloadErr.Error(),
		})
	}

	if seq == 0 && e.PreviousHash != "" {
		rep.add(Finding{Sequence: seq, Cause: CauseHashMismatch, ActualHash: e.PreviousHash,
			Detail: "genesis entry has a previous hash"})
		rep.breakChain(seq)
	} else if seq > 0 && w.prevOK && e.PreviousHash != w.prevHash {
		rep.add(Finding{Sequence: seq, Cause: CauseHashMismatch, ExpectedHash: w.prevHash, ActualHash: e.PreviousHash,
			Detail: "previous_hash does not match predecessor"})
		rep.breakChain(seq)
	} else if h, err := ledger.ComputeChainHash(e, e.PreviousHash); err != nil {
		rep.add(Finding{Sequence: seq, Cause: CauseHashMismatch, ActualHash: e.ChainHash, Detail: err.Error()})
		rep.breakChain(seq)
	} else if h != e.ChainHash {
		rep.add(Finding{Sequence: seq, Cause: CauseHashMismatch, ExpectedHash: h, ActualHash: e.ChainHash,
			Detail: "stored chain_hash does not match recomputation"})
		rep.breakChain(seq)
	} else if d, ok := ledger.DigestMatches(e); !ok {
		// The link holds because it is recomputed from the payload, but the
		// stored digest is what verification falls back on once the payload
		// becomes unreadable.
		rep.add(Finding{Sequence: seq, Cause: CauseHashMismatch, ExpectedHash: d, ActualHash: e.PayloadDigest,
			Detail: "stored payload_digest does not match payload"})
	}

	if err := w.svc.verifier.Verify(e.EntryID, e.ChainHash, e.Signature); err != nil {
		rep.add(Finding{Sequence: seq, Cause: CauseSignatureInvalid, KeyID: e.Signature.KeyID, Detail: err.Error()})
	}

	if len(rep.Findings) == before && seq != 0 && !rep.unverifiable(seq) {
		rep.IntactEntries++
	}
	w.prevHash, w.prevOK = e.ChainHash, true

	if limit := w.svc.opts.MaxFindings; limit > 0 && len(rep.Findings) >= limit {
		return errStop
	}
	return nil
}
