package ledger_test

import (
	"testing"
	"time"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
)

var t0 = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

// buildChain links n change entries after a genesis entry.
func buildChain(t *testing.T, n int) []*ledger.Entry {
	t.Helper()
	g := ledger.NewGenesis("test", "system", t0)
	if err := ledger.Link(g, ""); err != nil {
		t.Fatal(err)
	}
	chain := []*ledger.Entry{g}
	for i := 1; i <= n; i++ {
		c, err := ledger.NewCandidate(
			ledger.Actor{ID: "trader-1"},
			ledger.ActionUpdate,
			ledger.EntityRef{Type: "order", ID: "o-1"},
			ledger.ChangePayload{New: map[string]any{"qty": i}},
		)
		if err != nil {
			t.Fatal(err)
		}
		c.Timestamp = t0.Add(time.Duration(i) * time.Second)
		e := c.Sequence(uint64(i), c.Timestamp.AddDate(7, 0, 0))
		if err := ledger.Link(e, chain[i-1].ChainHash); err != nil {
			t.Fatal(err)
		}
		chain = append(chain, e)
	}
	return chain
}

func TestChain_integrity(t *testing.T) {
	chain := buildChain(t, 5)
	if chain[0].PreviousHash != "" {
		t.Errorf("genesis previous_hash: got %q, want empty", chain[0].PreviousHash)
	}
	for i := 1; i < len(chain); i++ {
		if chain[i].PreviousHash != chain[i-1].ChainHash {
			t.Errorf("seq %d previous_hash does not match seq %d chain_hash", i, i-1)
		}
		if !ledger.VerifyLink(chain[i], chain[i-1].ChainHash) {
			t.Errorf("VerifyLink(seq %d) = false, want true", i)
		}
	}
	if len(chain[1].ChainHash) != 64 {
		t.Errorf("chain hash length: got %d, want 64", len(chain[1].ChainHash))
	}
}

func TestComputeChainHash_pure(t *testing.T) {
	chain := buildChain(t, 1)
	e := chain[1]
	h1, err := ledger.ComputeChainHash(e, e.PreviousHash)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ledger.ComputeChainHash(e.Clone(), e.PreviousHash)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 || h1 != e.ChainHash {
		t.Errorf("ComputeChainHash not stable: %s %s %s", h1, h2, e.ChainHash)
	}
}

func TestVerifyLink_detectsPayloadEdit(t *testing.T) {
	chain := buildChain(t, 2)
	e := chain[1].Clone()
	e.Payload = ledger.ChangePayload{New: map[string]any{"qty": 999}}
	if ledger.VerifyLink(e, chain[0].ChainHash) {
		t.Error("VerifyLink accepted an edited payload")
	}
}

func TestVerifyLink_detectsWrongPredecessor(t *testing.T) {
	chain := buildChain(t, 2)
	if ledger.VerifyLink(chain[2], chain[0].ChainHash) {
		t.Error("VerifyLink accepted the wrong predecessor")
	}
}

func TestComputeChainHash_fromDigestWhenSealed(t *testing.T) {
	chain := buildChain(t, 1)
	sealed := chain[1].Clone()
	sealed.Payload = nil
	h, err := ledger.ComputeChainHash(sealed, sealed.PreviousHash)
	if err != nil {
		t.Fatal(err)
	}
	if h != chain[1].ChainHash {
		t.Errorf("hash from stored digest: got %s, want %s", h, chain[1].ChainHash)
	}
}

func TestDigestMatches(t *testing.T) {
	chain := buildChain(t, 1)
	e := chain[1].Clone()
	if _, ok := ledger.DigestMatches(e); !ok {
		t.Fatal("fresh entry digest mismatch")
	}
	e.PayloadDigest = "00"
	if _, ok := ledger.DigestMatches(e); ok {
		t.Error("DigestMatches accepted a forged digest")
	}
}

func TestChain_archivedAtNotHashed(t *testing.T) {
	chain := buildChain(t, 1)
	e := chain[1].Clone()
	now := time.Now()
	e.ArchivedAt = &now
	if !ledger.VerifyLink(e, chain[0].ChainHash) {
		t.Error("archival metadata changed the chain hash")
	}
}
