package retention_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/ingest"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/retention"
	"github.com/jmerrifield20/AuditLedger/internal/signing"
	"github.com/jmerrifield20/AuditLedger/internal/store"
	"github.com/jmerrifield20/AuditLedger/internal/verify"
)

var ctx = context.Background()

type ledgerFixture struct {
	primary *store.MemoryStore
	cold    *store.MemoryStore
	signer  *signing.HMACSigner
	mgr     *retention.Manager
	entries []*ledger.Entry
}

// newLedger writes one entry per entity type, 1h apart in timestamp, under
// a policy that keeps "scratch" for a day and everything else for 7y.
func newLedger(t *testing.T, types ...string) *ledgerFixture {
	t.Helper()
	policy, err := retention.ParsePolicy([]byte("rules:\n  - pattern: scratch*\n    period: 1d\n"))
	if err != nil {
		t.Fatal(err)
	}
	f := &ledgerFixture{primary: store.NewMemoryStore(), cold: store.NewMemoryStore()}
	f.signer, err = signing.NewHMACSigner("k1", []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	f.mgr = retention.NewManager(f.primary, f.cold, policy, retention.Config{PageSize: 2}, zap.NewNop())

	w := ingest.NewWriter(f.primary, f.signer, f.mgr.RetentionUntil, ingest.Config{}, zap.NewNop())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop(ctx)

	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, typ := range types {
		c, err := ledger.NewCandidate(ledger.Actor{ID: "svc"}, ledger.ActionCreate,
			ledger.EntityRef{Type: typ, ID: "x"}, ledger.ChangePayload{New: map[string]any{"n": i}})
		if err != nil {
			t.Fatal(err)
		}
		c.Timestamp = base.Add(time.Duration(i) * time.Hour)
		e, err := w.SubmitAndWait(ctx, c)
		if err != nil {
			t.Fatal(err)
		}
		f.entries = append(f.entries, e)
	}
	return f
}

func TestManager_retentionFloor(t *testing.T) {
	f := newLedger(t, "scratch", "order", "scratch_tmp", "scratch")
	for _, asOf := range []time.Time{
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 2, 1, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 2, 2, 30, 0, 0, time.UTC),
		time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	} {
		refs, err := f.mgr.ListExpired(ctx, asOf)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range refs {
			if r.RetentionUntil.After(asOf) {
				t.Errorf("as of %v: seq %d expires %v", asOf, r.SequenceNumber, r.RetentionUntil)
			}
		}
	}

	refs, _ := f.mgr.ListExpired(ctx, time.Date(2020, 1, 2, 2, 30, 0, 0, time.UTC))
	if len(refs) != 2 {
		t.Errorf("expired at 02:30: got %d, want 2", len(refs))
	}
	refs, _ = f.mgr.ListExpired(ctx, time.Date(2020, 1, 2, 3, 0, 0, 0, time.UTC))
	if len(refs) != 3 {
		t.Errorf("expired at 03:00 (inclusive): got %d, want 3", len(refs))
	}
}

func TestManager_archiveKeepsChainVerifiable(t *testing.T) {
	f := newLedger(t, "scratch", "order", "scratch", "scratch", "order")
	asOf := time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC)

	var seen []uint64
	f.mgr.SetArchived(func(r ledger.EntryRef) { seen = append(seen, r.SequenceNumber) })
	res, err := f.mgr.Archive(ctx, asOf)
	if err != nil {
		t.Fatal(err)
	}
	if res.Archived != 3 || len(seen) != 3 {
		t.Fatalf("archived %d (callback %d), want 3", res.Archived, len(seen))
	}
	for _, seq := range seen {
		if err := f.mgr.VerifyArchived(ctx, seq); err != nil {
			t.Errorf("VerifyArchived(%d): %v", seq, err)
		}
	}

	if left, _ := f.mgr.ListExpired(ctx, asOf); len(left) != 0 {
		t.Errorf("still expired after archive: %d", len(left))
	}
	if n, _ := f.primary.Len(ctx); n != 6 {
		t.Errorf("archival removed entries: Len %d", n)
	}

	rep, err := verify.NewService(f.primary, f.signer, verify.Options{}, zap.NewNop()).VerifyRange(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid {
		t.Errorf("chain broken by archival: %+v", rep.Findings)
	}

	again, err := f.mgr.Archive(ctx, asOf)
	if err != nil {
		t.Fatal(err)
	}
	if again.Archived != 0 {
		t.Errorf("second pass archived %d", again.Archived)
	}
}

// divergentArchive returns a different entry than was put.
type divergentArchive struct{ *store.MemoryStore }

func (a divergentArchive) GetArchived(ctx context.Context, seq uint64) (*ledger.Entry, error) {
	e, err := a.MemoryStore.GetArchived(ctx, seq)
	if err != nil {
		return nil, err
	}
	e.Actor.ID = "someone-else"
	return e, nil
}

func TestManager_divergentArchiveNotMarked(t *testing.T) {
	f := newLedger(t, "scratch")
	mgr := retention.NewManager(f.primary, divergentArchive{f.cold}, f.mgr.Policy(), retention.Config{}, zap.NewNop())

	asOf := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := mgr.Archive(ctx, asOf)
	if err != nil {
		t.Fatal(err)
	}
	if res.Archived != 0 || res.Skipped != 1 {
		t.Errorf("result: %+v", res)
	}
	if left, _ := mgr.ListExpired(ctx, asOf); len(left) != 1 {
		t.Error("entry marked archived despite failing verification")
	}
	if err := mgr.VerifyArchived(ctx, f.entries[0].SequenceNumber); !errors.Is(err, ledger.ErrHashMismatch) {
		t.Errorf("VerifyArchived: got %v, want hash mismatch", err)
	}
}

func TestManager_setPolicyAffectsNewEntriesOnly(t *testing.T) {
	f := newLedger(t, "order")
	before := f.entries[0].RetentionUntil

	short, err := retention.NewPolicy(retention.Period{Days: 1})
	if err != nil {
		t.Fatal(err)
	}
	f.mgr.SetPolicy(short)

	got, _ := f.primary.Get(ctx, f.entries[0].SequenceNumber)
	if !got.RetentionUntil.Equal(before) {
		t.Error("policy change rewrote a stored retention_until")
	}
	ts := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if want := ts.AddDate(0, 0, 1); !f.mgr.RetentionUntil("order", ts).Equal(want) {
		t.Errorf("RetentionUntil after SetPolicy: got %v", f.mgr.RetentionUntil("order", ts))
	}
}
