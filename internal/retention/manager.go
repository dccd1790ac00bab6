package retention

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/store"
)

// Config holds archival settings.
type Config struct {
	// Interval between background archive passes. Default: 24h.
	Interval time.Duration
	// PageSize is how many expired refs are fetched per query. Default: 500.
	PageSize int
}

// ArchiveResult summarizes one archive pass.
type ArchiveResult struct {
	AsOf     time.Time `json:"as_of"`
	Archived int       `json:"archived"`
	Skipped  int       `json:"skipped"`
}

// ArchivedFunc is an optional callback for every archived entry.
type ArchivedFunc func(ref ledger.EntryRef)

// Manager applies the retention policy and archives expired entries.
//
// Archival copies the full entry, hashes included, to cold storage and then
// sets archived_at on the primary row. Nothing is deleted and no hashed
// field changes, so the chain stays verifiable end to end.
type Manager struct {
	store   store.Store
	archive store.Archive
	policy  atomic.Pointer[Policy]
	cfg     Config
	logger  *zap.Logger

	onArchived ArchivedFunc
}

// NewManager returns a Manager. archive may be nil, in which case Archive
// only reports what is expired.
func NewManager(st store.Store, archive store.Archive, policy *Policy, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	m := &Manager{store: st, archive: archive, cfg: cfg, logger: logger}
	m.policy.Store(policy)
	return m
}

// SetArchived configures the per-entry archive callback.
func (m *Manager) SetArchived(fn ArchivedFunc) { m.onArchived = fn }

// Policy returns the policy currently in force.
func (m *Manager) Policy() *Policy { return m.policy.Load() }

// SetPolicy swaps the policy. Entries already written keep the
// retention_until they were sealed with.
func (m *Manager) SetPolicy(p *Policy) {
	if p != nil {
		m.policy.Store(p)
	}
}

// RetentionUntil computes retention_until for a new entry.
func (m *Manager) RetentionUntil(entityType string, ts time.Time) time.Time {
	return m.Policy().RetentionUntil(entityType, ts)
}

// ListExpired returns unarchived entries with retention_until <= asOf, in
// sequence order.
func (m *Manager) ListExpired(ctx context.Context, asOf time.Time) ([]ledger.EntryRef, error) {
	refs, err := m.store.ListExpired(ctx, asOf, 0)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	return floor(refs, asOf), nil
}

// floor drops anything a store returned past asOf.
func floor(refs []ledger.EntryRef, asOf time.Time) []ledger.EntryRef {
	out := refs[:0]
	for _, r := range refs {
		if !r.RetentionUntil.After(asOf) {
			out = append(out, r)
		}
	}
	return out
}

// Archive copies every entry expired at asOf into the archive and marks it
// archived. An entry whose archived copy does not verify stays unmarked.
func (m *Manager) Archive(ctx context.Context, asOf time.Time) (*ArchiveResult, error) {
	res := &ArchiveResult{AsOf: asOf}
	if m.archive == nil {
		return res, errors.New("no archive configured")
	}
	for {
		refs, err := m.store.ListExpired(ctx, asOf, m.cfg.PageSize)
		if err != nil {
			return res, fmt.Errorf("list expired: %w", err)
		}
		refs = floor(refs, asOf)
		if len(refs) == 0 {
			break
		}
		progressed := false
		for _, ref := range refs {
			ok, err := m.archiveOne(ctx, ref)
			if err != nil {
				return res, err
			}
			if ok {
				res.Archived++
				progressed = true
			} else {
				res.Skipped++
			}
		}
		// Skipped entries stay expired; stop instead of spinning on them.
		if !progressed || len(refs) < m.cfg.PageSize {
			break
		}
	}
	if res.Archived > 0 || res.Skipped > 0 {
		m.logger.Info("retention archive pass",
			zap.Time("as_of", asOf),
			zap.Int("archived", res.Archived),
			zap.Int("skipped", res.Skipped),
		)
	}
	return res, nil
}

func (m *Manager) archiveOne(ctx context.Context, ref ledger.EntryRef) (bool, error) {
	e, err := m.store.Get(ctx, ref.SequenceNumber)
	if err != nil {
		return false, fmt.Errorf("read entry %d: %w", ref.SequenceNumber, err)
	}
	if e.PayloadErr != nil {
		m.logger.Warn("retention: payload unreadable, not archiving",
			zap.Uint64("seq", e.SequenceNumber),
			zap.Error(e.PayloadErr),
		)
		return false, nil
	}
	if err := m.archive.Put(ctx, e); err != nil {
		return false, fmt.Errorf("archive entry %d: %w", e.SequenceNumber, err)
	}
	if err := m.VerifyArchived(ctx, e.SequenceNumber); err != nil {
		m.logger.Error("retention: archived copy does not verify",
			zap.Uint64("seq", e.SequenceNumber),
			zap.Error(err),
		)
		return false, nil
	}
	if err := m.store.MarkArchived(ctx, e.SequenceNumber, time.Now().UTC()); err != nil {
		return false, fmt.Errorf("mark entry %d archived: %w", e.SequenceNumber, err)
	}
	if m.onArchived != nil {
		m.onArchived(ref)
	}
	return true, nil
}

// VerifyArchived checks the archived copy of seq against the primary row:
// same chain hash, and the hash still recomputes from the archived fields.
func (m *Manager) VerifyArchived(ctx context.Context, seq uint64) error {
	if m.archive == nil {
		return errors.New("no archive configured")
	}
	primary, err := m.store.Get(ctx, seq)
	if err != nil {
		return fmt.Errorf("read primary %d: %w", seq, err)
	}
	archived, err := m.archive.GetArchived(ctx, seq)
	if err != nil {
		return fmt.Errorf("read archived %d: %w", seq, err)
	}
	if archived.ChainHash != primary.ChainHash {
		return &ledger.HashMismatchError{Sequence: seq, Expected: primary.ChainHash, Actual: archived.ChainHash}
	}
	h, err := ledger.ComputeChainHash(archived, archived.PreviousHash)
	if err != nil {
		return fmt.Errorf("recompute archived %d: %w", seq, err)
	}
	if h != archived.ChainHash {
		return &ledger.HashMismatchError{Sequence: seq, Expected: h, Actual: archived.ChainHash}
	}
	return nil
}

// Start runs an archive pass every interval until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := m.Archive(ctx, time.Now().UTC()); err != nil {
				m.logger.Error("retention: archive pass failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
