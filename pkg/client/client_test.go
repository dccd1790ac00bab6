package client_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/api/handler"
	"github.com/jmerrifield20/AuditLedger/internal/custody"
	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"github.com/jmerrifield20/AuditLedger/internal/ingest"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/retention"
	"github.com/jmerrifield20/AuditLedger/internal/service"
	"github.com/jmerrifield20/AuditLedger/internal/signing"
	"github.com/jmerrifield20/AuditLedger/internal/store"
	"github.com/jmerrifield20/AuditLedger/internal/verify"
	"github.com/jmerrifield20/AuditLedger/pkg/client"
)

var ctx = context.Background()

var secret = []byte("0123456789abcdef0123456789abcdef")

// newServer runs the full REST stack over an in-memory store.
func newServer(t *testing.T, tokens *identity.TokenIssuer) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	signer, err := signing.NewHMACSigner("k1", secret)
	if err != nil {
		t.Fatal(err)
	}
	rm := retention.NewManager(st, store.NewMemoryStore(), retention.DefaultPolicy(), retention.Config{}, zap.NewNop())
	w := ingest.NewWriter(st, signer, rm.RetentionUntil, ingest.Config{}, zap.NewNop())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Stop(ctx) })

	svc := service.New(w, st,
		verify.NewService(st, signer, verify.Options{}, zap.NewNop()),
		custody.NewTracker(w, st, signer, zap.NewNop()),
		rm, service.Config{LedgerID: "sdk-test"}, zap.NewNop())

	r := gin.New()
	handler.Mount(r.Group("/api/v1"), svc, tokens, nil, zap.NewNop())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func order(id string, qty int) client.SubmitRequest {
	return client.SubmitRequest{
		Actor:   ledger.Actor{ID: "trader-7"},
		Action:  ledger.ActionCreate,
		Entity:  ledger.EntityRef{Type: "order", ID: id},
		Payload: ledger.ChangePayload{New: map[string]any{"qty": qty, "side": "buy"}},
	}
}

func TestNew_invalidURL(t *testing.T) {
	if _, err := client.New("not a url"); err == nil {
		t.Error("expected error for invalid base URL")
	}
	if _, err := client.New("http://localhost", client.WithHTTPClient(nil)); err == nil {
		t.Error("expected error for nil http client")
	}
}

func TestClient_submitAndRead(t *testing.T) {
	srv := newServer(t, nil)
	c := client.MustNew(srv.URL)

	e, err := c.SubmitAndWait(ctx, order("o-1", 10))
	if err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}
	if e.SequenceNumber != 1 || e.ChainHash == "" || e.Signature.Value == "" {
		t.Errorf("entry: %+v", e)
	}

	got, err := c.GetEntry(ctx, e.EntryID)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if got.ChainHash != e.ChainHash {
		t.Errorf("chain hash: got %s, want %s", got.ChainHash, e.ChainHash)
	}
	if _, ok := got.Payload.(ledger.ChangePayload); !ok {
		t.Errorf("payload: got %T, want ChangePayload", got.Payload)
	}

	genesis, err := c.GetBySequence(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ledger.VerifyLink(genesis, "") || !ledger.VerifyLink(got, genesis.ChainHash) {
		t.Error("entries read through the SDK do not verify locally")
	}

	d, err := c.Disposition(ctx, e.EntryID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != service.StatusCommitted {
		t.Errorf("disposition: got %s, want committed", d.Status)
	}

	_, err = c.GetEntry(ctx, uuid.New())
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("GetEntry(unknown): got %v, want ErrNotFound", err)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("error type: %T %v", err, err)
	}
}

func TestClient_submitIdempotent(t *testing.T) {
	srv := newServer(t, nil)
	c := client.MustNew(srv.URL)

	req := order("o-2", 1)
	req.EntryID = uuid.New()
	id, err := c.Submit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if id != req.EntryID {
		t.Errorf("entry_id: got %s, want %s", id, req.EntryID)
	}
	e, err := c.SubmitAndWait(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	h, err := c.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Length != 2 || h.TailHash != e.ChainHash {
		t.Errorf("head after resubmit: %+v", h)
	}
}

func TestClient_validation(t *testing.T) {
	srv := newServer(t, nil)
	c := client.MustNew(srv.URL)

	req := order("o-1", 1)
	req.Action = "shred"
	if _, err := c.Submit(ctx, req); !errors.Is(err, client.ErrInvalid) {
		t.Errorf("unknown action: got %v, want ErrInvalid", err)
	}
	req = order("o-1", 1)
	req.Payload = nil
	if _, err := c.Submit(ctx, req); err == nil {
		t.Error("nil payload accepted")
	}
}

func TestClient_queryAmendVerify(t *testing.T) {
	srv := newServer(t, nil)
	c := client.MustNew(srv.URL)

	orig, err := c.SubmitAndWait(ctx, order("o-3", 5))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.SubmitAndWait(ctx, order("o-4", 5)); err != nil {
		t.Fatal(err)
	}
	am, err := c.Amend(ctx, orig.EntryID, ledger.Actor{ID: "ops"}, "fat finger", map[string]any{"qty": 50})
	if err != nil {
		t.Fatal(err)
	}
	if am.Action != ledger.ActionAmend {
		t.Errorf("amend action: got %s", am.Action)
	}

	ref := ledger.EntityRef{Type: "order", ID: "o-3"}
	all, err := c.QueryByEntity(ctx, ref, client.EntityQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("query: got %d entries, want 2", len(all))
	}
	amends, err := c.QueryByEntity(ctx, ref, client.EntityQuery{Action: ledger.ActionAmend})
	if err != nil {
		t.Fatal(err)
	}
	if len(amends) != 1 || amends[0].EntryID != am.EntryID {
		t.Errorf("query amend: %d entries", len(amends))
	}

	rep, err := c.Verify(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.EntriesChecked != 4 || rep.ComplianceScore != 1 {
		t.Errorf("verify: %+v", rep)
	}

	start, end := uint64(2), uint64(1)
	if _, err := c.Verify(ctx, &start, &end); !errors.Is(err, client.ErrInvalid) {
		t.Errorf("inverted range: got %v", err)
	}

	att, err := c.Attest(ctx, ledger.Actor{ID: "auditor-1"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !att.Report.Valid || att.Entry.Action != ledger.ActionVerify {
		t.Errorf("attestation: %+v", att.Entry)
	}
}

func TestClient_export(t *testing.T) {
	srv := newServer(t, nil)
	c := client.MustNew(srv.URL)
	for i := 0; i < 3; i++ {
		if _, err := c.SubmitAndWait(ctx, order("o-1", i)); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := c.Export(ctx, &buf, "jsonl", nil, nil); err != nil {
		t.Fatal(err)
	}
	sc := bufio.NewScanner(&buf)
	prev, n := "", 0
	for sc.Scan() {
		var e ledger.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatal(err)
		}
		if !ledger.VerifyLink(&e, prev) {
			t.Errorf("seq %d does not verify", e.SequenceNumber)
		}
		prev = e.ChainHash
		n++
	}
	if n != 4 {
		t.Errorf("exported %d lines, want 4", n)
	}

	if err := c.Export(ctx, &buf, "xml", nil, nil); !errors.Is(err, client.ErrInvalid) {
		t.Errorf("bad format: got %v", err)
	}
}

func TestClient_custody(t *testing.T) {
	srv := newServer(t, nil)
	c := client.MustNew(srv.URL)
	ref := ledger.EntityRef{Type: "batch", ID: "LOT 7"}
	op := ledger.Actor{ID: "operator"}

	if _, err := c.RecordTransfer(ctx, ref, op, custody.Transfer{To: "mixing", Location: "line-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.RecordTransfer(ctx, ref, op, custody.Transfer{From: "mixing", To: "qa"}); err != nil {
		t.Fatal(err)
	}
	records, err := c.CustodyChain(ctx, ref, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[1].ToHolder != "qa" {
		t.Errorf("chain: %+v", records)
	}
	rep, err := c.VerifyCustody(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.CurrentHolder != "qa" {
		t.Errorf("custody report: %+v", rep)
	}

	if _, err := c.RecordTransfer(ctx, ref, op, custody.Transfer{From: "qa"}); !errors.Is(err, client.ErrInvalid) {
		t.Errorf("missing to_holder: got %v", err)
	}
}

func TestClient_retention(t *testing.T) {
	srv := newServer(t, nil)
	c := client.MustNew(srv.URL)
	e, err := c.SubmitAndWait(ctx, order("o-1", 1))
	if err != nil {
		t.Fatal(err)
	}

	refs, err := c.ListExpired(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 {
		t.Errorf("expired now: got %d, want 0", len(refs))
	}

	later := e.RetentionUntil.Add(time.Hour)
	refs, err = c.ListExpired(ctx, later, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].EntryID != e.EntryID {
		t.Fatalf("expired later: %+v", refs)
	}

	res, err := c.Archive(ctx, later)
	if err != nil {
		t.Fatal(err)
	}
	if res.Archived != 1 {
		t.Errorf("archived: got %d, want 1", res.Archived)
	}
	ok, err := c.VerifyArchived(ctx, e.SequenceNumber)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("archived copy does not match the chain")
	}

	rep, err := c.Verify(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid {
		t.Errorf("chain broken by archival: %+v", rep)
	}
}

func TestClient_auth(t *testing.T) {
	tokens, err := identity.NewTokenIssuer(secret, "auditledger", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	srv := newServer(t, tokens)

	anon := client.MustNew(srv.URL)
	if _, err := anon.Head(ctx); !errors.Is(err, client.ErrUnauthorized) {
		t.Errorf("no token: got %v, want ErrUnauthorized", err)
	}

	tok, err := tokens.Issue("svc-orders", []string{identity.ScopeWrite})
	if err != nil {
		t.Fatal(err)
	}
	writer := client.MustNew(srv.URL, client.WithToken(tok))
	req := order("o-1", 1)
	req.Actor = ledger.Actor{}
	e, err := writer.SubmitAndWait(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if e.Actor.ID != "svc-orders" {
		t.Errorf("actor: got %q, want token subject", e.Actor.ID)
	}
	if _, err := writer.Verify(ctx, nil, nil); !errors.Is(err, client.ErrForbidden) {
		t.Errorf("verify with write scope: got %v, want ErrForbidden", err)
	}
}

// The server's backpressure responses are not reproducible on demand, so
// they are replayed from a stub.
func TestClient_errorMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/entries", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("wait") {
		case "true":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
				"entry_id": "3f0b5f2c-7a1e-4c4b-9d43-0c1f1e2d3a4b",
				"status":   "unknown",
			})
		default:
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"ingest queue full"}`)) //nolint:errcheck
		}
	})
	mux.HandleFunc("/api/v1/ledger/head", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"writer unavailable"}`)) //nolint:errcheck
	})
	mux.HandleFunc("/api/v1/ledger/verify", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := client.MustNew(srv.URL)

	_, err := c.Submit(ctx, order("o-1", 1))
	if !errors.Is(err, client.ErrQueueFull) || errors.Is(err, client.ErrWriterUnavailable) {
		t.Errorf("queue full: got %v", err)
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter != "1" {
		t.Errorf("Retry-After: got %q, want 1", apiErr.RetryAfter)
	}

	_, err = c.SubmitAndWait(ctx, order("o-1", 1))
	var ack *client.AckTimeoutError
	if !errors.As(err, &ack) || !errors.Is(err, client.ErrAckTimeout) {
		t.Fatalf("ack timeout: got %v", err)
	}
	if ack.EntryID.String() != "3f0b5f2c-7a1e-4c4b-9d43-0c1f1e2d3a4b" {
		t.Errorf("pending entry_id: got %s", ack.EntryID)
	}

	if _, err := c.Head(ctx); !errors.Is(err, client.ErrWriterUnavailable) {
		t.Errorf("unavailable: got %v", err)
	}
	_, err = c.Verify(ctx, nil, nil)
	if !errors.Is(err, client.ErrRateLimited) {
		t.Errorf("rate limited: got %v", err)
	}
	if errors.As(err, &apiErr) && apiErr.Message != "Too Many Requests" {
		t.Errorf("empty body message: got %q", apiErr.Message)
	}
}

func TestClient_recordTransferAckTimeout(t *testing.T) {
	id := uuid.New()
	var sent map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/custody/batch/B1/transfers", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&sent) //nolint:errcheck
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
			"entry_id": sent["entry_id"].(string),
			"status":   "unknown",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := client.MustNew(srv.URL)

	_, err := c.RecordTransfer(ctx, ledger.EntityRef{Type: "batch", ID: "B1"}, ledger.Actor{ID: "op"},
		custody.Transfer{EntryID: id, To: "mixing"})
	var ack *client.AckTimeoutError
	if !errors.As(err, &ack) || !errors.Is(err, client.ErrAckTimeout) {
		t.Fatalf("got %v, want AckTimeoutError", err)
	}
	if ack.EntryID != id {
		t.Errorf("pending entry_id: got %s, want %s", ack.EntryID, id)
	}
}
