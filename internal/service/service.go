// Package service is the boundary every transport (REST, gRPC, CLI) calls
// into. It composes the writer, store, verifier, custody tracker and
// retention manager behind one Ledger type.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/alerts"
	"github.com/jmerrifield20/AuditLedger/internal/custody"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/retention"
	"github.com/jmerrifield20/AuditLedger/internal/store"
	"github.com/jmerrifield20/AuditLedger/internal/verify"
)

// Writer accepts candidates for sequencing. *ingest.Writer implements it.
type Writer interface {
	Submit(ctx context.Context, cand *ledger.Candidate) (uuid.UUID, error)
	SubmitAndWait(ctx context.Context, cand *ledger.Candidate) (*ledger.Entry, error)
}

// Config holds service settings.
type Config struct {
	// LedgerID names the ledger entity verification attestations are
	// recorded against. Default: "default".
	LedgerID string
	// CacheTTL bounds how long GetEntry serves a cached entry. Zero
	// disables the cache.
	CacheTTL time.Duration
	// CacheMaxEntries caps the cache. Default: 10000.
	CacheMaxEntries int
}

// Status is the disposition of an entry_id.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusUnknown   Status = "unknown"
)

// Disposition tells a producer whether an entry_id is durable.
type Disposition struct {
	EntryID        uuid.UUID `json:"entry_id"`
	Status         Status    `json:"status"`
	SequenceNumber *uint64   `json:"sequence_number,omitempty"`
	ChainHash      string    `json:"chain_hash,omitempty"`
}

// Head summarizes the current end of the ledger.
type Head struct {
	Length       uint64    `json:"length"`
	TailSequence uint64    `json:"tail_sequence"`
	TailHash     string    `json:"tail_hash"`
	TailTime     time.Time `json:"tail_timestamp"`
}

// TimeRange bounds entity queries. Both ends are inclusive; zero values
// are open.
type TimeRange struct {
	Since time.Time
	Until time.Time
}

// Ledger implements the external operations of the audit ledger.
type Ledger struct {
	writer    Writer
	store     store.Store
	verifier  *verify.Service
	custody   *custody.Tracker
	retention *retention.Manager
	cache     *entryCache
	cfg       Config
	onAlert   AlertDispatchFunc
	logger    *zap.Logger
}

// AlertDispatchFunc is an optional callback for raising compliance alerts.
type AlertDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// New wires a Ledger.
func New(w Writer, st store.Store, v *verify.Service, ct *custody.Tracker, rm *retention.Manager, cfg Config, logger *zap.Logger) *Ledger {
	if cfg.LedgerID == "" {
		cfg.LedgerID = "default"
	}
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = 10000
	}
	l := &Ledger{
		writer:    w,
		store:     st,
		verifier:  v,
		custody:   ct,
		retention: rm,
		cache:     newEntryCache(cfg.CacheTTL, cfg.CacheMaxEntries),
		cfg:       cfg,
		logger:    logger,
	}
	if rm != nil {
		rm.SetArchived(func(ref ledger.EntryRef) { l.cache.invalidate(ref.EntryID) })
	}
	return l
}

// SetAlertDispatch configures the alert callback.
func (l *Ledger) SetAlertDispatch(fn AlertDispatchFunc) {
	l.onAlert = fn
}

// Submit validates cand and queues it. Encoding and validation errors are
// returned before anything is queued.
func (l *Ledger) Submit(ctx context.Context, cand *ledger.Candidate) (uuid.UUID, error) {
	if err := cand.Prepare(); err != nil {
		return uuid.Nil, err
	}
	return l.writer.Submit(ctx, cand)
}

// SubmitAndWait validates cand, queues it and waits for the commit.
func (l *Ledger) SubmitAndWait(ctx context.Context, cand *ledger.Candidate) (*ledger.Entry, error) {
	if err := cand.Prepare(); err != nil {
		return nil, err
	}
	e, err := l.writer.SubmitAndWait(ctx, cand)
	if err != nil {
		return nil, ledger.AttachEntryID(cand.EntryID, err)
	}
	l.cache.set(e)
	return e, nil
}

// GetEntry returns a committed entry by entry_id.
func (l *Ledger) GetEntry(ctx context.Context, id uuid.UUID) (*ledger.Entry, error) {
	if e, ok := l.cache.get(id); ok {
		return e, nil
	}
	e, err := l.store.GetByEntryID(ctx, id)
	if err != nil {
		return nil, err
	}
	l.cache.set(e)
	return e, nil
}

// GetBySequence returns the entry at seq.
func (l *Ledger) GetBySequence(ctx context.Context, seq uint64) (*ledger.Entry, error) {
	return l.store.Get(ctx, seq)
}

// Disposition reports whether id has been committed. An unknown id is not
// an error: the producer should resubmit with the same entry_id.
func (l *Ledger) Disposition(ctx context.Context, id uuid.UUID) (Disposition, error) {
	d := Disposition{EntryID: id, Status: StatusUnknown}
	e, err := l.GetEntry(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return d, nil
	}
	if err != nil {
		return d, fmt.Errorf("disposition of %s: %w", id, err)
	}
	seq := e.SequenceNumber
	d.Status, d.SequenceNumber, d.ChainHash = StatusCommitted, &seq, e.ChainHash
	return d, nil
}

// QueryByEntity returns ref's entries in sequence order. An empty action
// matches all actions.
func (l *Ledger) QueryByEntity(ctx context.Context, ref ledger.EntityRef, tr TimeRange, action ledger.Action) ([]*ledger.Entry, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if action != "" && !action.Valid() {
		return nil, &ledger.ValidationError{Msg: fmt.Sprintf("unknown action %q", action)}
	}
	entries, err := l.store.ByEntity(ctx, ref, store.Query{Action: action, Since: tr.Since, Until: tr.Until})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", ref, err)
	}
	return entries, nil
}

// VerifyRange verifies [start, end]; nil bounds default to genesis and tail.
func (l *Ledger) VerifyRange(ctx context.Context, start, end *uint64) (*verify.Report, error) {
	return l.verifier.VerifyRange(ctx, start, end)
}

// AttestRange verifies a range and records the outcome on the ledger as a
// verify entry, so audits themselves leave a trail.
func (l *Ledger) AttestRange(ctx context.Context, actor ledger.Actor, start, end *uint64) (*verify.Report, *ledger.Entry, error) {
	rep, err := l.verifier.VerifyRange(ctx, start, end)
	if err != nil {
		return nil, nil, err
	}
	cand, err := ledger.NewCandidate(actor, ledger.ActionVerify,
		ledger.EntityRef{Type: "ledger", ID: l.cfg.LedgerID},
		ledger.VerificationPayload{
			RangeStart:      rep.Start,
			RangeEnd:        rep.End,
			Valid:           rep.Valid,
			ComplianceScore: rep.ComplianceScore,
			FirstBroken:     rep.FirstBrokenSequence,
		})
	if err != nil {
		return rep, nil, err
	}
	e, err := l.writer.SubmitAndWait(ctx, cand)
	if err != nil {
		return rep, nil, fmt.Errorf("record attestation: %w", ledger.AttachEntryID(cand.EntryID, err))
	}
	return rep, e, nil
}

// RecordCustodyTransfer appends a custody transfer and waits for it.
func (l *Ledger) RecordCustodyTransfer(ctx context.Context, ref ledger.EntityRef, actor ledger.Actor, tr custody.Transfer) (*ledger.Entry, error) {
	return l.custody.RecordTransfer(ctx, ref, actor, tr)
}

// GetCustodyChain returns ref's custody records in sequence order.
func (l *Ledger) GetCustodyChain(ctx context.Context, ref ledger.EntityRef, tr TimeRange) ([]custody.Record, error) {
	return l.custody.Chain(ctx, ref, custody.TimeRange{Since: tr.Since, Until: tr.Until})
}

// VerifyCustodyChain checks ref's custody chain and raises a custody.gap
// alert for every logical gap.
func (l *Ledger) VerifyCustodyChain(ctx context.Context, ref ledger.EntityRef) (*custody.Report, error) {
	rep, err := l.custody.Verify(ctx, ref)
	if err != nil {
		return nil, err
	}
	if l.onAlert != nil {
		for _, g := range rep.Gaps {
			l.onAlert(ctx, alerts.EventCustodyGap, map[string]string{
				"entity":               ref.String(),
				"sequence_number":      strconv.FormatUint(g.Sequence, 10),
				"after_sequence":       strconv.FormatUint(g.AfterSequence, 10),
				"expected_from_holder": g.ExpectedHolder,
				"actual_from_holder":   g.ActualHolder,
			})
		}
	}
	return rep, nil
}

// ListExpired returns entries eligible for archival at asOf.
func (l *Ledger) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]ledger.EntryRef, error) {
	refs, err := l.retention.ListExpired(ctx, asOf)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// ArchiveExpired archives everything expired at asOf.
func (l *Ledger) ArchiveExpired(ctx context.Context, asOf time.Time) (*retention.ArchiveResult, error) {
	return l.retention.Archive(ctx, asOf)
}

// VerifyArchived checks the archived copy of seq against the primary chain.
func (l *Ledger) VerifyArchived(ctx context.Context, seq uint64) error {
	return l.retention.VerifyArchived(ctx, seq)
}

// Amend records a correction to an existing entry. The original is never
// changed; the amendment references it and lands on the same entity.
func (l *Ledger) Amend(ctx context.Context, original uuid.UUID, actor ledger.Actor, reason string, corrections map[string]any) (*ledger.Entry, error) {
	orig, err := l.GetEntry(ctx, original)
	if err != nil {
		return nil, fmt.Errorf("amend %s: %w", original, err)
	}
	if orig.IsGenesis() {
		return nil, &ledger.ValidationError{Msg: "the genesis entry cannot be amended"}
	}
	cand, err := ledger.NewCandidate(actor, ledger.ActionAmend, orig.Entity, ledger.AmendmentPayload{
		OriginalEntryID: original,
		Reason:          reason,
		Corrections:     corrections,
	})
	if err != nil {
		return nil, err
	}
	return l.SubmitAndWait(ctx, cand)
}

// Head returns the current tail of the ledger.
func (l *Ledger) Head(ctx context.Context) (*Head, error) {
	tail, err := l.store.Tail(ctx)
	if err != nil {
		return nil, fmt.Errorf("read tail: %w", err)
	}
	n, err := l.store.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	return &Head{
		Length:       n,
		TailSequence: tail.SequenceNumber,
		TailHash:     tail.ChainHash,
		TailTime:     tail.Timestamp,
	}, nil
}

// Range streams entries in [start, end] to fn; nil bounds default to
// genesis and tail.
func (l *Ledger) Range(ctx context.Context, start, end *uint64, fn func(*ledger.Entry) error) error {
	var from, to uint64
	if start != nil {
		from = *start
	}
	if end != nil {
		to = *end
	} else {
		tail, err := l.store.Tail(ctx)
		if errors.Is(err, store.ErrEmpty) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tail: %w", err)
		}
		to = tail.SequenceNumber
	}
	if from > to {
		return &ledger.ValidationError{Msg: fmt.Sprintf("range start %d is after end %d", from, to)}
	}
	return l.store.Range(ctx, from, to, fn)
}

// EvictCache drops expired cache entries and returns how many were removed.
func (l *Ledger) EvictCache() int { return l.cache.evict() }
