package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
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
)

var ctx = context.Background()

var secret = []byte("0123456789abcdef0123456789abcdef")

type testEnv struct {
	router *gin.Engine
	tokens *identity.TokenIssuer
	writer *ingest.Writer
	hub    *handler.StreamHub
}

// setup builds a router over a real writer and in-memory store. A nil
// writer stub uses the real writer.
func setup(t *testing.T, auth bool, stub service.Writer) *testEnv {
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

	hub := handler.NewStreamHub(zap.NewNop())
	hubCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go hub.Run(hubCtx)
	w.OnCommit(hub.Publish)

	var sw service.Writer = w
	if stub != nil {
		sw = stub
	}
	svc := service.New(sw, st,
		verify.NewService(st, signer, verify.Options{}, zap.NewNop()),
		custody.NewTracker(sw, st, signer, zap.NewNop()),
		rm, service.Config{}, zap.NewNop())

	var tokens *identity.TokenIssuer
	if auth {
		if tokens, err = identity.NewTokenIssuer(secret, "auditledger", time.Hour); err != nil {
			t.Fatal(err)
		}
	}

	r := gin.New()
	health := handler.NewHealthHandler(svc, nil, zap.NewNop())
	health.SetQueue(w)
	r.GET("/healthz", health.Healthz)
	handler.Mount(r.Group("/api/v1"), svc, tokens, hub, zap.NewNop())
	return &testEnv{router: r, tokens: tokens, writer: w, hub: hub}
}

func (e *testEnv) token(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := e.tokens.Issue("tester", scopes)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body) //nolint:errcheck
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func orderBody(id string) map[string]any {
	return map[string]any{
		"actor":  map[string]any{"id": "trader-7"},
		"action": "create",
		"entity": map[string]any{"type": "order", "id": id},
		"payload": map[string]any{
			"kind": "change",
			"data": map[string]any{"new": map[string]any{"qty": 100, "px": "101.25"}},
		},
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func TestSubmit_waitAndGet(t *testing.T) {
	env := setup(t, false, nil)

	w := env.do(http.MethodPost, "/api/v1/entries?wait=true", "", orderBody("o-1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var entry ledger.Entry
	decode(t, w, &entry)
	if entry.SequenceNumber != 1 || entry.ChainHash == "" {
		t.Errorf("entry: %+v", entry)
	}
	if entry.Actor.IP == "" {
		t.Error("actor ip not filled from request")
	}

	w = env.do(http.MethodGet, "/api/v1/entries/"+entry.EntryID.String(), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got ledger.Entry
	decode(t, w, &got)
	if got.ChainHash != entry.ChainHash {
		t.Errorf("chain hash: got %s, want %s", got.ChainHash, entry.ChainHash)
	}

	w = env.do(http.MethodGet, "/api/v1/entries/"+entry.EntryID.String()+"/disposition", "", nil)
	var d service.Disposition
	decode(t, w, &d)
	if d.Status != service.StatusCommitted || d.SequenceNumber == nil || *d.SequenceNumber != 1 {
		t.Errorf("disposition: %+v", d)
	}
}

func TestSubmit_async(t *testing.T) {
	env := setup(t, false, nil)
	body := orderBody("o-2")
	id := uuid.New()
	body["entry_id"] = id.String()

	w := env.do(http.MethodPost, "/api/v1/entries", "", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decode(t, w, &resp)
	if resp["entry_id"] != id.String() {
		t.Errorf("entry_id: got %s, want %s", resp["entry_id"], id)
	}
}

func TestSubmit_badRequests(t *testing.T) {
	env := setup(t, false, nil)

	cases := map[string]map[string]any{
		"unknown kind": func() map[string]any {
			b := orderBody("o-1")
			b["payload"] = map[string]any{"kind": "telepathy", "data": map[string]any{}}
			return b
		}(),
		"no actor": func() map[string]any {
			b := orderBody("o-1")
			delete(b, "actor")
			return b
		}(),
		"genesis action": func() map[string]any {
			b := orderBody("o-1")
			b["action"] = "genesis"
			return b
		}(),
	}
	for name, body := range cases {
		w := env.do(http.MethodPost, "/api/v1/entries?wait=true", "", body)
		// A missing actor id falls back to the token subject, which is
		// empty with auth off.
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d: %s", name, w.Code, w.Body.String())
		}
	}

	if w := env.do(http.MethodGet, "/api/v1/entries/not-a-uuid", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/v1/entries/"+uuid.NewString(), "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", w.Code)
	}
}

type stubWriter struct{ err error }

func (s stubWriter) Submit(context.Context, *ledger.Candidate) (uuid.UUID, error) {
	return uuid.Nil, s.err
}

func (s stubWriter) SubmitAndWait(context.Context, *ledger.Candidate) (*ledger.Entry, error) {
	return nil, s.err
}

func TestSubmit_backpressure(t *testing.T) {
	env := setup(t, false, stubWriter{err: ledger.ErrQueueFull})
	w := env.do(http.MethodPost, "/api/v1/entries", "", orderBody("o-1"))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("queue full: expected 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("queue full: missing Retry-After")
	}

	env = setup(t, false, stubWriter{err: ledger.ErrWriterUnavailable})
	if w := env.do(http.MethodPost, "/api/v1/entries", "", orderBody("o-1")); w.Code != http.StatusServiceUnavailable {
		t.Errorf("writer down: expected 503, got %d", w.Code)
	}

	env = setup(t, false, stubWriter{err: ledger.ErrAckTimeout})
	w = env.do(http.MethodPost, "/api/v1/entries?wait=true", "", orderBody("o-1"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("ack timeout: expected 202, got %d", w.Code)
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["entry_id"] == nil || resp["entry_id"] == uuid.Nil.String() {
		t.Errorf("ack timeout: entry_id missing: %v", resp)
	}
}

func TestAckTimeout_returnsPendingEntryID(t *testing.T) {
	env := setup(t, false, stubWriter{err: ledger.ErrAckTimeout})

	id := uuid.New()
	w := env.do(http.MethodPost, "/api/v1/custody/batch/B1/transfers", "", map[string]any{
		"entry_id":  id.String(),
		"actor":     map[string]any{"id": "op"},
		"to_holder": "mixing",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("custody transfer: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["entry_id"] != id.String() || resp["status"] != "unknown" {
		t.Errorf("custody transfer: %v", resp)
	}

	// The original has to be committed for the amend to be attempted.
	cand, err := ledger.NewCandidate(ledger.Actor{ID: "trader-7"}, ledger.ActionCreate,
		ledger.EntityRef{Type: "order", ID: "o-1"},
		ledger.ChangePayload{New: map[string]any{"qty": 1}})
	if err != nil {
		t.Fatal(err)
	}
	orig, err := env.writer.SubmitAndWait(ctx, cand)
	if err != nil {
		t.Fatal(err)
	}
	w = env.do(http.MethodPost, "/api/v1/entries/"+orig.EntryID.String()+"/amend", "", map[string]any{
		"actor":       map[string]any{"id": "supervisor"},
		"reason":      "wrong quantity",
		"corrections": map[string]any{"qty": 10},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("amend: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	resp = nil
	decode(t, w, &resp)
	if s, _ := resp["entry_id"].(string); s == "" || s == uuid.Nil.String() {
		t.Errorf("amend: entry_id missing: %v", resp)
	}

	w = env.do(http.MethodPost, "/api/v1/ledger/attest", "", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("attest: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	resp = nil
	decode(t, w, &resp)
	if resp["entry_id"] == nil || resp["report"] == nil {
		t.Errorf("attest: %v", resp)
	}
}

func TestAuth_scopes(t *testing.T) {
	env := setup(t, true, nil)

	if w := env.do(http.MethodGet, "/api/v1/ledger/head", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}
	writer := env.token(t, identity.ScopeWrite)
	if w := env.do(http.MethodGet, "/api/v1/ledger/verify", writer, nil); w.Code != http.StatusForbidden {
		t.Errorf("write token on verify: expected 403, got %d", w.Code)
	}

	w := env.do(http.MethodPost, "/api/v1/entries?wait=true", writer, orderBody("o-1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("write token on submit: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	body := orderBody("o-2")
	delete(body, "actor")
	w = env.do(http.MethodPost, "/api/v1/entries?wait=true", writer, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("actor from token: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var entry ledger.Entry
	decode(t, w, &entry)
	if entry.Actor.ID != "tester" {
		t.Errorf("actor: got %q, want token subject", entry.Actor.ID)
	}

	auditor := env.token(t, identity.ScopeAudit)
	if w := env.do(http.MethodGet, "/api/v1/ledger/verify", auditor, nil); w.Code != http.StatusOK {
		t.Errorf("audit token on verify: expected 200, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/api/v1/entries", auditor, orderBody("o-3")); w.Code != http.StatusForbidden {
		t.Errorf("audit token on submit: expected 403, got %d", w.Code)
	}
}

func TestLedger_headVerifyAttest(t *testing.T) {
	env := setup(t, false, nil)
	for _, id := range []string{"o-1", "o-2"} {
		if w := env.do(http.MethodPost, "/api/v1/entries?wait=true", "", orderBody(id)); w.Code != http.StatusCreated {
			t.Fatalf("submit: %d", w.Code)
		}
	}

	w := env.do(http.MethodGet, "/api/v1/ledger/head", "", nil)
	var head service.Head
	decode(t, w, &head)
	if head.Length != 3 || head.TailSequence != 2 {
		t.Errorf("head: %+v", head)
	}

	w = env.do(http.MethodGet, "/api/v1/ledger/verify?start=1&end=2", "", nil)
	var rep verify.Report
	decode(t, w, &rep)
	if !rep.Valid || rep.EntriesChecked != 2 || rep.ComplianceScore != 1 {
		t.Errorf("verify: %+v", rep)
	}

	if w := env.do(http.MethodGet, "/api/v1/ledger/verify?start=5&end=2", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("inverted range: expected 400, got %d", w.Code)
	}

	w = env.do(http.MethodPost, "/api/v1/ledger/attest", "", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("attest: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodGet, "/api/v1/ledger/seq/3", "", nil)
	var att ledger.Entry
	decode(t, w, &att)
	if att.Action != ledger.ActionVerify {
		t.Errorf("seq 3 action: got %s, want verify", att.Action)
	}
	if w := env.do(http.MethodGet, "/api/v1/ledger/seq/99", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("seq 99: expected 404, got %d", w.Code)
	}
}

func TestLedger_export(t *testing.T) {
	env := setup(t, false, nil)
	env.do(http.MethodPost, "/api/v1/entries?wait=true", "", orderBody("o-1"))

	w := env.do(http.MethodGet, "/api/v1/ledger/export?format=csv", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type: got %s", ct)
	}
	if lines := strings.Count(w.Body.String(), "\n"); lines != 3 {
		t.Errorf("csv lines: got %d, want header + 2", lines)
	}

	if w := env.do(http.MethodGet, "/api/v1/ledger/export?format=xml", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("xml: expected 400, got %d", w.Code)
	}
}

func TestEntities_query(t *testing.T) {
	env := setup(t, false, nil)
	for _, id := range []string{"o-1", "o-2", "o-1"} {
		env.do(http.MethodPost, "/api/v1/entries?wait=true", "", orderBody(id))
	}
	w := env.do(http.MethodGet, "/api/v1/entities/order/o-1/entries?action=create", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Count   int            `json:"count"`
		Entries []ledger.Entry `json:"entries"`
	}
	decode(t, w, &resp)
	if resp.Count != 2 || len(resp.Entries) != 2 {
		t.Errorf("count: got %d, want 2", resp.Count)
	}
	if w := env.do(http.MethodGet, "/api/v1/entities/order/o-1/entries?since=yesterday", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad since: expected 400, got %d", w.Code)
	}
}

func TestAmend(t *testing.T) {
	env := setup(t, false, nil)
	w := env.do(http.MethodPost, "/api/v1/entries?wait=true", "", orderBody("o-1"))
	var orig ledger.Entry
	decode(t, w, &orig)

	w = env.do(http.MethodPost, "/api/v1/entries/"+orig.EntryID.String()+"/amend", "", map[string]any{
		"actor":       map[string]any{"id": "supervisor"},
		"reason":      "wrong quantity",
		"corrections": map[string]any{"qty": 10},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("amend: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var am ledger.Entry
	decode(t, w, &am)
	if am.Action != ledger.ActionAmend || am.Entity != orig.Entity {
		t.Errorf("amendment: %+v", am)
	}
}

func TestCustody_transferChainVerify(t *testing.T) {
	env := setup(t, false, nil)
	base := "/api/v1/custody/batch/LOT-7"
	firstID := uuid.New()
	for _, tr := range []map[string]any{
		{"actor": map[string]any{"id": "op"}, "to_holder": "mixing", "entry_id": firstID.String()},
		{"actor": map[string]any{"id": "op"}, "from_holder": "mixing", "to_holder": "qa", "location": "line 2"},
	} {
		if w := env.do(http.MethodPost, base+"/transfers", "", tr); w.Code != http.StatusCreated {
			t.Fatalf("transfer: expected 201, got %d: %s", w.Code, w.Body.String())
		}
	}
	if w := env.do(http.MethodPost, base+"/transfers", "", map[string]any{"actor": map[string]any{"id": "op"}}); w.Code != http.StatusBadRequest {
		t.Errorf("no to_holder: expected 400, got %d", w.Code)
	}

	w := env.do(http.MethodGet, base, "", nil)
	var chain struct {
		Records []custody.Record `json:"records"`
	}
	decode(t, w, &chain)
	if len(chain.Records) != 2 || chain.Records[1].Location != "line 2" {
		t.Fatalf("chain: %+v", chain.Records)
	}
	if chain.Records[0].EntryID != firstID {
		t.Errorf("entry_id: got %s, want %s", chain.Records[0].EntryID, firstID)
	}

	w = env.do(http.MethodGet, base+"/verify", "", nil)
	var rep custody.Report
	decode(t, w, &rep)
	if !rep.Valid || rep.CurrentHolder != "qa" {
		t.Errorf("custody report: %+v", rep)
	}
}

func TestRetention_expiredAndArchive(t *testing.T) {
	env := setup(t, false, nil)
	env.do(http.MethodPost, "/api/v1/entries?wait=true", "", orderBody("o-1"))

	w := env.do(http.MethodGet, "/api/v1/retention/expired", "", nil)
	var resp struct {
		Count int `json:"count"`
	}
	decode(t, w, &resp)
	if resp.Count != 0 {
		t.Errorf("expired now: got %d, want 0", resp.Count)
	}

	future := time.Now().AddDate(8, 0, 0).UTC().Format(time.RFC3339)
	w = env.do(http.MethodGet, "/api/v1/retention/expired?as_of="+future, "", nil)
	decode(t, w, &resp)
	if resp.Count != 1 {
		t.Errorf("expired in 8y: got %d, want 1", resp.Count)
	}

	w = env.do(http.MethodPost, "/api/v1/retention/archive", "", map[string]any{"as_of": future})
	if w.Code != http.StatusOK {
		t.Fatalf("archive: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res retention.ArchiveResult
	decode(t, w, &res)
	if res.Archived != 1 {
		t.Errorf("archived: got %d, want 1", res.Archived)
	}

	w = env.do(http.MethodGet, "/api/v1/retention/archive/1/verify", "", nil)
	var v map[string]any
	decode(t, w, &v)
	if v["valid"] != true {
		t.Errorf("archived verify: %v", v)
	}
}

func TestHealthz(t *testing.T) {
	env := setup(t, false, nil)
	w := env.do(http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	decode(t, w, &body)
	if body["status"] != "ok" || body["head"] == nil {
		t.Errorf("healthz: %v", body)
	}
	if body["queue_depth"] != float64(0) {
		t.Errorf("queue_depth: got %v, want 0", body["queue_depth"])
	}
}

func TestStream_deliversCommits(t *testing.T) {
	env := setup(t, false, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ledger/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Registration is asynchronous; keep submitting until one arrives.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	got := make(chan ledger.Entry, 1)
	go func() {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var e ledger.Entry
		if json.Unmarshal(msg, &e) == nil {
			got <- e
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		env.do(http.MethodPost, "/api/v1/entries?wait=true", "", orderBody("o-s"))
		select {
		case e := <-got:
			if e.Entity.ID != "o-s" || e.ChainHash == "" {
				t.Errorf("streamed entry: %+v", e)
			}
			return
		case <-deadline:
			t.Fatal("no entry streamed")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
