package verify_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/ingest"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/signing"
	"github.com/jmerrifield20/AuditLedger/internal/store"
	"github.com/jmerrifield20/AuditLedger/internal/verify"
)

var ctx = context.Background()

// tamperStore rewrites entries on read, simulating edits made directly in
// the database.
type tamperStore struct {
	store.Store
	edit map[uint64]func(*ledger.Entry)
	drop map[uint64]bool
	err  error
}

func (s *tamperStore) apply(e *ledger.Entry) *ledger.Entry {
	if fn, ok := s.edit[e.SequenceNumber]; ok {
		e = e.Clone()
		fn(e)
	}
	return e
}

func (s *tamperStore) Get(ctx context.Context, seq uint64) (*ledger.Entry, error) {
	if s.drop[seq] {
		return nil, ledger.ErrNotFound
	}
	e, err := s.Store.Get(ctx, seq)
	if err != nil {
		return nil, err
	}
	return s.apply(e), nil
}

func (s *tamperStore) Range(ctx context.Context, start, end uint64, fn func(*ledger.Entry) error) error {
	if s.err != nil {
		return s.err
	}
	return s.Store.Range(ctx, start, end, func(e *ledger.Entry) error {
		if s.drop[e.SequenceNumber] {
			return nil
		}
		return fn(s.apply(e))
	})
}

type fixture struct {
	store   *tamperStore
	signer  *signing.HMACSigner
	entries []*ledger.Entry
}

// newFixture writes n entries after genesis through the ledger writer.
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	signer, err := signing.NewHMACSigner("k1", []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	mem := store.NewMemoryStore()
	w := ingest.NewWriter(mem, signer, nil, ingest.Config{}, zap.NewNop())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop(ctx)

	f := &fixture{
		store:  &tamperStore{Store: mem, edit: map[uint64]func(*ledger.Entry){}, drop: map[uint64]bool{}},
		signer: signer,
	}
	for i := 0; i < n; i++ {
		c, err := ledger.NewCandidate(
			ledger.Actor{ID: "trader-1", SessionID: "s-1"},
			ledger.ActionUpdate,
			ledger.EntityRef{Type: "order", ID: fmt.Sprintf("ord-%d", i)},
			ledger.ChangePayload{Old: map[string]any{"qty": 100}, New: map[string]any{"qty": 100 + i}},
		)
		if err != nil {
			t.Fatal(err)
		}
		e, err := w.SubmitAndWait(ctx, c)
		if err != nil {
			t.Fatal(err)
		}
		f.entries = append(f.entries, e)
	}
	return f
}

func (f *fixture) verifier(opts verify.Options) *verify.Service {
	return verify.NewService(f.store, f.signer, opts, zap.NewNop())
}

func u64(v uint64) *uint64 { return &v }

func TestVerifyRange_intactChain(t *testing.T) {
	f := newFixture(t, 5)
	rep, err := f.verifier(verify.Options{}).VerifyRange(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || !rep.Completed {
		t.Fatalf("report: %+v", rep)
	}
	if rep.EntriesChecked != 6 || rep.IntactEntries != 5 {
		t.Errorf("checked %d intact %d, want 6 and 5", rep.EntriesChecked, rep.IntactEntries)
	}
	if rep.ComplianceScore != 1 {
		t.Errorf("compliance_score: got %v, want 1", rep.ComplianceScore)
	}
	if rep.Err() != nil {
		t.Errorf("Err: %v", rep.Err())
	}
}

func TestVerifyRange_emptyLedger(t *testing.T) {
	signer, _ := signing.NewHMACSigner("k1", []byte("0123456789abcdef0123456789abcdef"))
	svc := verify.NewService(store.NewMemoryStore(), signer, verify.Options{}, zap.NewNop())
	rep, err := svc.VerifyRange(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.ComplianceScore != 1 || rep.EntriesChecked != 0 {
		t.Errorf("empty ledger report: %+v", rep)
	}
}

func TestVerifyRange_corruptedPayloadScenario(t *testing.T) {
	f := newFixture(t, 3)
	a, b, c := f.entries[0], f.entries[1], f.entries[2]

	gotB, err := f.store.GetByEntryID(ctx, b.EntryID)
	if err != nil {
		t.Fatal(err)
	}
	if gotB.PreviousHash != a.ChainHash {
		t.Errorf("B.previous_hash != A.chain_hash")
	}
	if c.PreviousHash != b.ChainHash {
		t.Errorf("C.previous_hash != B.chain_hash")
	}

	f.store.edit[b.SequenceNumber] = func(e *ledger.Entry) {
		e.Payload = ledger.ChangePayload{Old: map[string]any{"qty": 100}, New: map[string]any{"qty": 1_000_000}}
	}

	rep, err := f.verifier(verify.Options{}).VerifyRange(ctx, u64(0), u64(3))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Valid {
		t.Fatal("tampered ledger reported valid")
	}
	if rep.FirstBrokenSequence == nil || *rep.FirstBrokenSequence != b.SequenceNumber {
		t.Errorf("first_broken_sequence: got %v, want %d", rep.FirstBrokenSequence, b.SequenceNumber)
	}
	if rep.Cause != verify.CauseHashMismatch {
		t.Errorf("cause: got %q, want hash_mismatch", rep.Cause)
	}
	if math.Abs(rep.ComplianceScore-1.0/3.0) > 1e-9 {
		t.Errorf("compliance_score: got %v, want 1/3", rep.ComplianceScore)
	}
	if rep.UnverifiableFrom == nil || *rep.UnverifiableFrom != c.SequenceNumber {
		t.Errorf("unverifiable_from: got %v, want %d", rep.UnverifiableFrom, c.SequenceNumber)
	}

	var hm *ledger.HashMismatchError
	if !errors.As(rep.Err(), &hm) {
		t.Fatalf("Err: got %T, want *HashMismatchError", rep.Err())
	}
	if hm.Actual != b.ChainHash || hm.Expected == b.ChainHash {
		t.Errorf("HashMismatchError: %+v", hm)
	}
}

func TestVerifyRange_idempotent(t *testing.T) {
	f := newFixture(t, 4)
	f.store.edit[2] = func(e *ledger.Entry) { e.Actor.IP = "203.0.113.9" }
	svc := f.verifier(verify.Options{})

	first, err := svc.VerifyRange(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.VerifyRange(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	first.VerifiedAt, second.VerifiedAt = second.VerifiedAt, first.VerifiedAt
	if !reflect.DeepEqual(first.Findings, second.Findings) ||
		first.ComplianceScore != second.ComplianceScore ||
		*first.FirstBrokenSequence != *second.FirstBrokenSequence {
		t.Errorf("reports differ:\n%+v\n%+v", first, second)
	}
	if n, _ := f.store.Len(ctx); n != 5 {
		t.Errorf("verification changed the ledger: Len %d", n)
	}
}

func TestVerifyRange_signatureInvalidDoesNotPropagate(t *testing.T) {
	f := newFixture(t, 3)
	f.store.edit[2] = func(e *ledger.Entry) { e.Signature.Value = "AAAA" + e.Signature.Value[4:] }

	rep, err := f.verifier(verify.Options{}).VerifyRange(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Cause != verify.CauseSignatureInvalid {
		t.Fatalf("cause: got %q", rep.Cause)
	}
	if rep.UnverifiableFrom != nil {
		t.Errorf("signature failure propagated: unverifiable_from %d", *rep.UnverifiableFrom)
	}
	if math.Abs(rep.ComplianceScore-2.0/3.0) > 1e-9 {
		t.Errorf("compliance_score: got %v, want 2/3", rep.ComplianceScore)
	}
	var se *ledger.SignatureInvalidError
	if !errors.As(rep.Err(), &se) || se.Sequence != 2 || se.KeyID != "k1" {
		t.Errorf("Err: %v", rep.Err())
	}
}

func TestVerifyRange_rehashedEntryBreaksNextLink(t *testing.T) {
	f := newFixture(t, 3)
	f.store.edit[2] = func(e *ledger.Entry) {
		e.Payload = ledger.ChangePayload{New: map[string]any{"qty": 1}}
		if err := ledger.Link(e, e.PreviousHash); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := f.verifier(verify.Options{}).VerifyRange(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	var causes []string
	for _, fd := range rep.Findings {
		causes = append(causes, fmt.Sprintf("%d:%s", fd.Sequence, fd.Cause))
	}
	if fmt.Sprint(causes) != "[2:signature_invalid 3:hash_mismatch]" {
		t.Errorf("findings: %v", causes)
	}
	if rep.Findings[1].ActualHash != f.entries[2].PreviousHash {
		t.Errorf("link finding actual hash: got %s", rep.Findings[1].ActualHash)
	}
}

func TestVerifyRange_missingEntry(t *testing.T) {
	f := newFixture(t, 3)
	f.store.drop[2] = true

	rep, err := f.verifier(verify.Options{}).VerifyRange(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Cause != verify.CauseMissingEntry || *rep.FirstBrokenSequence != 2 {
		t.Fatalf("report: cause %q first %v", rep.Cause, rep.FirstBrokenSequence)
	}
	if len(rep.Findings) != 1 {
		t.Errorf("entry after the gap reported as %v", rep.Findings)
	}
	if rep.IntactEntries != 1 {
		t.Errorf("intact: got %d, want 1", rep.IntactEntries)
	}
	if !errors.Is(rep.Err(), ledger.ErrMissingEntry) {
		t.Errorf("Err: %v", rep.Err())
	}
}

func TestVerifyRange_truncatedTail(t *testing.T) {
	f := newFixture(t, 2)
	rep, err := f.verifier(verify.Options{}).VerifyRange(ctx, nil, u64(4))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Cause != verify.CauseMissingEntry || *rep.FirstBrokenSequence != 3 {
		t.Errorf("report: cause %q first %v", rep.Cause, rep.FirstBrokenSequence)
	}
}

func TestVerifyRange_subrangeAnchorsOnPredecessor(t *testing.T) {
	f := newFixture(t, 5)
	rep, err := f.verifier(verify.Options{}).VerifyRange(ctx, u64(3), u64(4))
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.EntriesChecked != 2 {
		t.Errorf("subrange: %+v", rep)
	}

	f.store.edit[2] = func(e *ledger.Entry) { e.ChainHash = "00" + e.ChainHash[2:] }
	rep, err = f.verifier(verify.Options{}).VerifyRange(ctx, u64(3), u64(4))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Valid || *rep.FirstBrokenSequence != 3 {
		t.Errorf("anchor mismatch not detected: %+v", rep)
	}
}

func TestVerifyRange_unreadablePayload(t *testing.T) {
	f := newFixture(t, 2)
	f.store.edit[1] = func(e *ledger.Entry) {
		e.Payload = nil
		e.PayloadErr = errors.New("unknown key")
	}
	rep, err := f.verifier(verify.Options{}).VerifyRange(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid {
		t.Errorf("unreadable payload broke the chain: %+v", rep.Findings)
	}
	if len(rep.PayloadIssues) != 1 || rep.PayloadIssues[0].Kind != verify.PayloadUnreadable {
		t.Errorf("payload issues: %+v", rep.PayloadIssues)
	}
}

func TestVerifyRange_rewrittenPayloadDigest(t *testing.T) {
	f := newFixture(t, 3)
	want := f.entries[1].PayloadDigest
	forged := strings.Repeat("0", 64)
	f.store.edit[2] = func(e *ledger.Entry) { e.PayloadDigest = forged }

	rep, err := f.verifier(verify.Options{}).VerifyRange(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Valid || len(rep.Findings) != 1 {
		t.Fatalf("report: %+v", rep)
	}
	fd := rep.Findings[0]
	if fd.Sequence != 2 || fd.Cause != verify.CauseHashMismatch {
		t.Errorf("finding: %+v", fd)
	}
	if fd.ExpectedHash != want || fd.ActualHash != forged {
		t.Errorf("digests: got expected %s actual %s, want %s and %s", fd.ExpectedHash, fd.ActualHash, want, forged)
	}
	if rep.UnverifiableFrom != nil {
		t.Errorf("unverifiable_from: got %d, want nil", *rep.UnverifiableFrom)
	}
	var hm *ledger.HashMismatchError
	if !errors.As(rep.Err(), &hm) || hm.Actual != forged {
		t.Errorf("Err: %v", rep.Err())
	}
}

func TestVerifyRange_maxFindings(t *testing.T) {
	f := newFixture(t, 4)
	for seq := uint64(1); seq <= 4; seq++ {
		f.store.edit[seq] = func(e *ledger.Entry) { e.Signature.Value = "" }
	}
	rep, err := f.verifier(verify.Options{MaxFindings: 2}).VerifyRange(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Completed || len(rep.Findings) != 2 {
		t.Errorf("completed %v with %d findings", rep.Completed, len(rep.Findings))
	}
}

func TestVerifyRange_storeFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.store.err = errors.New("connection refused")
	if _, err := f.verifier(verify.Options{}).VerifyRange(ctx, nil, nil); err == nil {
		t.Error("store failure folded into report")
	}
}

func TestVerifyRange_badRange(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.verifier(verify.Options{}).VerifyRange(ctx, u64(3), u64(1))
	var ve *ledger.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("got %v, want ValidationError", err)
	}
}
