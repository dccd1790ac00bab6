package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/AuditLedger/internal/custody"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/retention"
	"github.com/jmerrifield20/AuditLedger/internal/service"
	"github.com/jmerrifield20/AuditLedger/internal/verify"
)

const apiPrefix = "/api/v1"

// maxBody caps how much of a JSON response is read.
const maxBody = 16 << 20

// Client is the AuditLedger REST client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("http client must not be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// SubmitRequest is an entry to append. Actor fields left empty are filled
// in by the server from the token subject and the client address.
type SubmitRequest struct {
	EntryID   uuid.UUID
	Timestamp time.Time
	Actor     ledger.Actor
	Action    ledger.Action
	Entity    ledger.EntityRef
	Payload   ledger.Payload
}

type submitBody struct {
	EntryID   *uuid.UUID       `json:"entry_id,omitempty"`
	Timestamp *time.Time       `json:"timestamp,omitempty"`
	Actor     ledger.Actor     `json:"actor"`
	Action    ledger.Action    `json:"action"`
	Entity    ledger.EntityRef `json:"entity"`
	Payload   json.RawMessage  `json:"payload"`
}

func (r SubmitRequest) body() (*submitBody, error) {
	payload, err := ledger.MarshalPayload(r.Payload)
	if err != nil {
		return nil, err
	}
	b := &submitBody{Actor: r.Actor, Action: r.Action, Entity: r.Entity, Payload: payload}
	if r.EntryID != uuid.Nil {
		b.EntryID = &r.EntryID
	}
	if !r.Timestamp.IsZero() {
		b.Timestamp = &r.Timestamp
	}
	return b, nil
}

// Submit queues an entry and returns its entry_id without waiting for it
// to commit.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	body, err := req.body()
	if err != nil {
		return uuid.Nil, err
	}
	var out struct {
		EntryID uuid.UUID `json:"entry_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/entries", nil, body, &out); err != nil {
		return uuid.Nil, err
	}
	return out.EntryID, nil
}

// SubmitAndWait queues an entry and waits until it is durable. When the
// server gives up waiting the error is an *AckTimeoutError.
func (c *Client) SubmitAndWait(ctx context.Context, req SubmitRequest) (*ledger.Entry, error) {
	body, err := req.body()
	if err != nil {
		return nil, err
	}
	var e ledger.Entry
	if err := c.doJSON(ctx, http.MethodPost, "/entries", url.Values{"wait": {"true"}}, body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEntry fetches a committed entry by entry_id.
func (c *Client) GetEntry(ctx context.Context, id uuid.UUID) (*ledger.Entry, error) {
	var e ledger.Entry
	if err := c.doJSON(ctx, http.MethodGet, "/entries/"+id.String(), nil, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetBySequence fetches the entry at seq.
func (c *Client) GetBySequence(ctx context.Context, seq uint64) (*ledger.Entry, error) {
	var e ledger.Entry
	if err := c.doJSON(ctx, http.MethodGet, "/ledger/seq/"+strconv.FormatUint(seq, 10), nil, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Disposition reports whether id is committed.
func (c *Client) Disposition(ctx context.Context, id uuid.UUID) (*service.Disposition, error) {
	var d service.Disposition
	if err := c.doJSON(ctx, http.MethodGet, "/entries/"+id.String()+"/disposition", nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// EntityQuery narrows QueryByEntity. Zero values are open.
type EntityQuery struct {
	Since  time.Time
	Until  time.Time
	Action ledger.Action
}

func (q EntityQuery) values() url.Values {
	v := url.Values{}
	setTime(v, "since", q.Since)
	setTime(v, "until", q.Until)
	if q.Action != "" {
		v.Set("action", string(q.Action))
	}
	return v
}

// QueryByEntity returns the entries about ref in sequence order.
func (c *Client) QueryByEntity(ctx context.Context, ref ledger.EntityRef, q EntityQuery) ([]*ledger.Entry, error) {
	var out struct {
		Entries []*ledger.Entry `json:"entries"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/entities/"+entityPath(ref)+"/entries", q.values(), nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Amend appends a correction that references original. When the server
// gives up waiting the error is an *AckTimeoutError.
func (c *Client) Amend(ctx context.Context, original uuid.UUID, actor ledger.Actor, reason string, corrections map[string]any) (*ledger.Entry, error) {
	body := map[string]any{"actor": actor, "reason": reason, "corrections": corrections}
	var e ledger.Entry
	if err := c.doJSON(ctx, http.MethodPost, "/entries/"+original.String()+"/amend", nil, body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Head returns the current end of the ledger.
func (c *Client) Head(ctx context.Context) (*service.Head, error) {
	var h service.Head
	if err := c.doJSON(ctx, http.MethodGet, "/ledger/head", nil, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Verify checks [start, end]. Nil bounds mean genesis and tail.
func (c *Client) Verify(ctx context.Context, start, end *uint64) (*verify.Report, error) {
	var rep verify.Report
	if err := c.doJSON(ctx, http.MethodGet, "/ledger/verify", rangeValues(start, end), nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Attestation is a verification report together with the ledger entry
// that records it.
type Attestation struct {
	Report *verify.Report `json:"report"`
	Entry  *ledger.Entry  `json:"entry"`
}

// Attest verifies [start, end] and records the outcome in the ledger.
func (c *Client) Attest(ctx context.Context, actor ledger.Actor, start, end *uint64) (*Attestation, error) {
	body := map[string]any{"actor": actor}
	if start != nil {
		body["start"] = *start
	}
	if end != nil {
		body["end"] = *end
	}
	var att Attestation
	if err := c.doJSON(ctx, http.MethodPost, "/ledger/attest", nil, body, &att); err != nil {
		return nil, err
	}
	return &att, nil
}

// Export streams [start, end] to w as "jsonl" or "csv".
func (c *Client) Export(ctx context.Context, w io.Writer, format string, start, end *uint64) error {
	v := rangeValues(start, end)
	if format != "" {
		v.Set("format", format)
	}
	resp, err := c.send(ctx, http.MethodGet, "/ledger/export", v, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		return checkStatus(resp, raw)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}

// RecordTransfer appends a custody hand-over for ref. Set tr.EntryID to
// make a retry after an *AckTimeoutError safe.
func (c *Client) RecordTransfer(ctx context.Context, ref ledger.EntityRef, actor ledger.Actor, tr custody.Transfer) (*ledger.Entry, error) {
	body := struct {
		Actor ledger.Actor `json:"actor"`
		custody.Transfer
	}{actor, tr}
	var e ledger.Entry
	if err := c.doJSON(ctx, http.MethodPost, "/custody/"+entityPath(ref)+"/transfers", nil, body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// CustodyChain returns the transfers of ref in order.
func (c *Client) CustodyChain(ctx context.Context, ref ledger.EntityRef, since, until time.Time) ([]custody.Record, error) {
	v := url.Values{}
	setTime(v, "since", since)
	setTime(v, "until", until)
	var out struct {
		Records []custody.Record `json:"records"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/custody/"+entityPath(ref), v, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// VerifyCustody checks the custody chain of ref for gaps and tampering.
func (c *Client) VerifyCustody(ctx context.Context, ref ledger.EntityRef) (*custody.Report, error) {
	var rep custody.Report
	if err := c.doJSON(ctx, http.MethodGet, "/custody/"+entityPath(ref)+"/verify", nil, nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// ListExpired returns entries whose retention ended at or before asOf.
// A zero asOf means now; limit 0 means no limit.
func (c *Client) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]ledger.EntryRef, error) {
	v := url.Values{}
	setTime(v, "as_of", asOf)
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Entries []ledger.EntryRef `json:"entries"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/retention/expired", v, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Archive moves entries expired as of asOf to cold storage.
func (c *Client) Archive(ctx context.Context, asOf time.Time) (*retention.ArchiveResult, error) {
	body := map[string]any{}
	if !asOf.IsZero() {
		body["as_of"] = asOf.UTC()
	}
	var res retention.ArchiveResult
	if err := c.doJSON(ctx, http.MethodPost, "/retention/archive", nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// VerifyArchived reports whether the archived copy of seq still matches the
// chain.
func (c *Client) VerifyArchived(ctx context.Context, seq uint64) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	path := "/retention/archive/" + strconv.FormatUint(seq, 10) + "/verify"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	u := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp, raw); err != nil {
		return err
	}
	if resp.StatusCode == http.StatusAccepted {
		if err := pendingAck(raw); err != nil {
			return err
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// pendingAck returns an *AckTimeoutError when a 202 body says the entry's
// commit is still unknown.
func pendingAck(raw []byte) error {
	var pending struct {
		EntryID uuid.UUID `json:"entry_id"`
		Status  string    `json:"status"`
	}
	if json.Unmarshal(raw, &pending) != nil || pending.Status != string(service.StatusUnknown) {
		return nil
	}
	return ledger.NewAckTimeout(pending.EntryID, ErrAckTimeout)
}

func checkStatus(resp *http.Response, raw []byte) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		RetryAfter: resp.Header.Get("Retry-After"),
	}
}

func entityPath(ref ledger.EntityRef) string {
	return url.PathEscape(ref.Type) + "/" + url.PathEscape(ref.ID)
}

func rangeValues(start, end *uint64) url.Values {
	v := url.Values{}
	if start != nil {
		v.Set("start", strconv.FormatUint(*start, 10))
	}
	if end != nil {
		v.Set("end", strconv.FormatUint(*end, 10))
	}
	return v
}

func setTime(v url.Values, key string, t time.Time) {
	if !t.IsZero() {
		v.Set(key, t.UTC().Format(time.RFC3339Nano))
	}
}
