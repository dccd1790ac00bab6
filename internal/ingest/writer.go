// Package ingest sequences candidate entries onto the ledger.
//
// Producers hand candidates to a bounded FIFO queue. A single Writer
// goroutine drains it in order, assigns sequence numbers, links and signs
// each entry, persists a whole batch in one store transaction and only then
// advances its cached tail and acknowledges the producers. The tail is
// owned by that goroutine; nothing else reads or writes it.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/signing"
	"github.com/jmerrifield20/AuditLedger/internal/store"
)

// Config controls queue capacity, batching and retry behaviour.
type Config struct {
	// QueueCapacity bounds the number of candidates waiting for the writer.
	// Default: 1024.
	QueueCapacity int

	// BatchSize is the most candidates persisted in one transaction.
	// Default: 64.
	BatchSize int

	// SubmitTimeout is how long Submit waits for queue space before
	// returning ErrQueueFull. Default: 2s.
	SubmitTimeout time.Duration

	// AckTimeout is how long SubmitAndWait waits for the commit.
	// Default: 10s.
	AckTimeout time.Duration

	// MaxRetries is how often a failed batch is retried. Default: 3.
	MaxRetries int

	// RetryBackoff is the first retry delay; it doubles per attempt.
	// Default: 100ms.
	RetryBackoff time.Duration

	// LedgerID names the ledger in its genesis entry. Default: "default".
	LedgerID string
}

func (c *Config) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 2 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.LedgerID == "" {
		c.LedgerID = "default"
	}
}

// RetentionFunc returns the retention expiry for an entry of entityType
// captured at ts.
type RetentionFunc func(entityType string, ts time.Time) time.Time

// DefaultRetention keeps every entry for seven years.
func DefaultRetention(_ string, ts time.Time) time.Time { return ts.AddDate(7, 0, 0) }

// MetricsRecorder receives writer events. All methods must be cheap and
// non-blocking.
type MetricsRecorder interface {
	QueueDepth(n int)
	BatchCommitted(entries int, elapsed time.Duration)
	SubmitRejected(reason string)
}

type noopMetrics struct{}

func (noopMetrics) QueueDepth(int)                    {}
func (noopMetrics) BatchCommitted(int, time.Duration) {}
func (noopMetrics) SubmitRejected(string)             {}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

type result struct {
	entry *ledger.Entry
	err   error
}

type request struct {
	cand *ledger.Candidate
	done chan result // buffered; the writer never blocks on a slow producer
}

func (r *request) reply(e *ledger.Entry, err error) {
	r.done <- result{entry: e, err: err}
}

// Writer is the only component that appends to the ledger.
type Writer struct {
	store     store.Store
	signer    signing.Signer
	retention RetentionFunc
	cfg       Config
	logger    *zap.Logger
	metrics   MetricsRecorder

	queue chan *request

	mu        sync.RWMutex // guards state and observers
	st        state
	observers []func(*ledger.Entry)

	stopOnce  sync.Once
	quit      chan struct{} // closed when Stop begins; wakes blocked producers
	sealed    chan struct{} // closed once no producer can enqueue any more
	abort     chan struct{} // closed when Stop's context expires
	abortOnce sync.Once
	done      chan struct{} // closed when the writer goroutine exits

	// tail is owned by the writer goroutine after Start.
	tail *ledger.Entry
	ctx  context.Context
}

// NewWriter returns a Writer over st. A nil retention func keeps entries
// for seven years.
func NewWriter(st store.Store, signer signing.Signer, retention RetentionFunc, cfg Config, logger *zap.Logger) *Writer {
	cfg.applyDefaults()
	if retention == nil {
		retention = DefaultRetention
	}
	return &Writer{
		store:     st,
		signer:    signer,
		retention: retention,
		cfg:       cfg,
		logger:    logger,
		metrics:   noopMetrics{},
		queue:     make(chan *request, cfg.QueueCapacity),
		quit:      make(chan struct{}),
		sealed:    make(chan struct{}),
		abort:     make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       context.Background(),
	}
}

// SetMetricsRecorder wires a metrics sink. Call before Start.
func (w *Writer) SetMetricsRecorder(m MetricsRecorder) {
	if m != nil {
		w.metrics = m
	}
}

// OnCommit registers fn to receive every committed entry, in sequence
// order, from the writer goroutine. fn must not block.
func (w *Writer) OnCommit(fn func(*ledger.Entry)) {
	w.mu.Lock()
	w.observers = append(w.observers, fn)
	w.mu.Unlock()
}

// Start recovers the tail from the last durable entry, creating the
// genesis entry on an empty store, and launches the writer goroutine.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.st != stateIdle {
		return errors.New("ingest writer already started")
	}
	if err := w.recover(ctx); err != nil {
		return err
	}
	w.st = stateRunning
	go w.run()
	w.logger.Info("ledger writer started",
		zap.Uint64("tail_seq", w.tail.SequenceNumber),
		zap.String("tail_hash", w.tail.ChainHash),
		zap.String("key_id", w.signer.KeyID()),
	)
	return nil
}

// Stop refuses new submissions, commits what is already queued and waits
// for the writer to exit. Candidates still queued when ctx expires fail
// with ErrWriterUnavailable.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.RLock()
	started := w.st != stateIdle
	w.mu.RUnlock()
	if !started {
		return nil
	}
	w.shutdown()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.abortOnce.Do(func() { close(w.abort) })
		<-w.done
		return fmt.Errorf("stop ledger writer: %w", ctx.Err())
	}
}

// shutdown closes the queue to producers. It is safe to call repeatedly.
func (w *Writer) shutdown() {
	w.stopOnce.Do(func() {
		close(w.quit)
		// Wait out producers that passed the state check.
		w.mu.Lock()
		w.st = stateStopped
		w.mu.Unlock()
		close(w.sealed)
	})
}

// Submit enqueues cand and returns its entry_id without waiting for the
// commit. It fails with ErrQueueFull when the queue stays full for the
// submit timeout and with ErrWriterUnavailable once the writer stopped.
func (w *Writer) Submit(ctx context.Context, cand *ledger.Candidate) (uuid.UUID, error) {
	if _, err := w.enqueue(ctx, cand); err != nil {
		return uuid.Nil, err
	}
	return cand.EntryID, nil
}

// SubmitAndWait enqueues cand and waits for its commit. ErrAckTimeout does
// not mean the entry failed; look it up by entry_id.
func (w *Writer) SubmitAndWait(ctx context.Context, cand *ledger.Candidate) (*ledger.Entry, error) {
	req, err := w.enqueue(ctx, cand)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(w.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case res := <-req.done:
		return res.entry, res.err
	case <-timer.C:
		return nil, ledger.NewAckTimeout(cand.EntryID, ledger.ErrAckTimeout)
	case <-ctx.Done():
		return nil, ledger.NewAckTimeout(cand.EntryID, fmt.Errorf("%w: %v", ledger.ErrAckTimeout, ctx.Err()))
	}
}

func (w *Writer) enqueue(ctx context.Context, cand *ledger.Candidate) (*request, error) {
	if cand == nil {
		return nil, &ledger.ValidationError{Msg: "candidate is required"}
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.st != stateRunning {
		w.metrics.SubmitRejected("writer_unavailable")
		return nil, ledger.ErrWriterUnavailable
	}

	req := &request{cand: cand, done: make(chan result, 1)}
	select {
	case w.queue <- req:
		w.metrics.QueueDepth(len(w.queue))
		return req, nil
	default:
	}

	timer := time.NewTimer(w.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case w.queue <- req:
		w.metrics.QueueDepth(len(w.queue))
		return req, nil
	case <-w.quit:
		w.metrics.SubmitRejected("writer_unavailable")
		return nil, ledger.ErrWriterUnavailable
	case <-timer.C:
		w.metrics.SubmitRejected("queue_full")
		return nil, ledger.ErrQueueFull
	case <-ctx.Done():
		w.metrics.SubmitRejected("queue_full")
		return nil, fmt.Errorf("%w: %v", ledger.ErrQueueFull, ctx.Err())
	}
}

func (w *Writer) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("ledger writer crashed", zap.Any("panic", r))
			go w.shutdown()
			<-w.sealed
			w.failQueued()
		}
	}()

	for {
		select {
		case req := <-w.queue:
			w.commit(w.fill(req))
		case <-w.sealed:
			w.drain()
			return
		}
	}
}

// fill collects up to BatchSize queued requests without reordering.
func (w *Writer) fill(first *request) []*request {
	batch := []*request{first}
	for len(batch) < w.cfg.BatchSize {
		select {
		case req := <-w.queue:
			batch = append(batch, req)
		default:
			return batch
		}
	}
	return batch
}

func (w *Writer) drain() {
	for {
		select {
		case <-w.abort:
			w.failQueued()
			return
		default:
		}
		select {
		case req := <-w.queue:
			w.commit(w.fill(req))
		default:
			w.logger.Info("ledger writer stopped", zap.Uint64("tail_seq", w.tail.SequenceNumber))
			return
		}
	}
}

func (w *Writer) failQueued() {
	for {
		select {
		case req := <-w.queue:
			req.reply(nil, ledger.ErrWriterUnavailable)
		default:
			return
		}
	}
}

// recover loads the durable tail, writing genesis on an empty store. The
// cached tail is never trusted after a failed append.
func (w *Writer) recover(ctx context.Context) error {
	tail, err := w.store.Tail(ctx)
	if errors.Is(err, store.ErrEmpty) {
		g := ledger.NewGenesis(w.cfg.LedgerID, "system", time.Now())
		if err := w.seal(g, ""); err != nil {
			return fmt.Errorf("create genesis: %w", err)
		}
		if err := w.store.Append(ctx, g); err != nil {
			return fmt.Errorf("persist genesis: %w", err)
		}
		w.logger.Info("ledger genesis written", zap.String("ledger_id", w.cfg.LedgerID), zap.String("hash", g.ChainHash))
		w.tail = g
		return nil
	}
	if err != nil {
		return fmt.Errorf("read durable tail: %w", err)
	}
	w.tail = tail
	return nil
}

func (w *Writer) seal(e *ledger.Entry, previousHash string) error {
	if err := ledger.Link(e, previousHash); err != nil {
		return err
	}
	sig, err := w.signer.Sign(e.EntryID, e.ChainHash)
	if err != nil {
		return fmt.Errorf("sign entry: %w", err)
	}
	e.Signature = sig
	return nil
}

// commit persists batch, retrying with a freshly recovered tail.
func (w *Writer) commit(batch []*request) {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !w.backoff(attempt) {
				break
			}
			if err := w.recover(w.ctx); err != nil {
				lastErr = err
				w.logger.Warn("ledger tail recovery failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
		}

		plan, err := w.plan(batch)
		if err != nil {
			lastErr = err
			w.logger.Warn("ledger batch planning failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if len(plan.entries) > 0 {
			if err := w.store.Append(w.ctx, plan.entries...); err != nil {
				lastErr = err
				w.logger.Warn("ledger batch append failed",
					zap.Int("attempt", attempt),
					zap.Uint64("first_seq", plan.entries[0].SequenceNumber),
					zap.Error(err),
				)
				continue
			}
			w.tail = plan.entries[len(plan.entries)-1]
		}

		plan.ack()
		w.publish(plan.entries)
		w.metrics.BatchCommitted(len(plan.entries), time.Since(start))
		w.metrics.QueueDepth(len(w.queue))
		w.logger.Debug("ledger batch committed",
			zap.Int("requests", len(batch)),
			zap.Int("appended", len(plan.entries)),
			zap.Uint64("tail_seq", w.tail.SequenceNumber),
		)
		return
	}

	if lastErr == nil {
		lastErr = ledger.ErrWriterUnavailable
	}
	w.logger.Error("ledger batch failed", zap.Int("requests", len(batch)), zap.Error(lastErr))
	for _, req := range batch {
		req.reply(nil, fmt.Errorf("append entry %s: %w", req.cand.EntryID, lastErr))
	}
}

func (w *Writer) backoff(attempt int) bool {
	d := w.cfg.RetryBackoff << (attempt - 1)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.abort:
		return false
	}
}

// batchPlan maps every request of a batch to its outcome.
type batchPlan struct {
	entries []*ledger.Entry
	replies []func()
}

func (p *batchPlan) ack() {
	for _, r := range p.replies {
		r()
	}
}

// plan sequences the batch on top of the cached tail. Candidates whose
// entry_id is already durable, or repeated within the batch, resolve to
// the existing entry instead of being appended twice.
func (w *Writer) plan(batch []*request) (*batchPlan, error) {
	p := &batchPlan{}
	next := w.tail.SequenceNumber + 1
	prev := w.tail.ChainHash
	inBatch := make(map[uuid.UUID]*ledger.Entry, len(batch))

	for _, req := range batch {
		id := req.cand.EntryID

		if e, ok := inBatch[id]; ok {
			p.replies = append(p.replies, func() { req.reply(e, nil) })
			continue
		}
		existing, err := w.store.GetByEntryID(w.ctx, id)
		if err == nil {
			p.replies = append(p.replies, func() { req.reply(existing, nil) })
			continue
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("check entry_id %s: %w", id, err)
		}

		e := req.cand.Sequence(next, w.retention(req.cand.Entity.Type, req.cand.Timestamp))
		if err := w.seal(e, prev); err != nil {
			// Only this candidate is bad; the rest of the batch proceeds.
			p.replies = append(p.replies, func() { req.reply(nil, err) })
			continue
		}
		inBatch[id] = e
		p.entries = append(p.entries, e)
		p.replies = append(p.replies, func() { req.reply(e, nil) })
		prev = e.ChainHash
		next++
	}
	return p, nil
}

func (w *Writer) publish(entries []*ledger.Entry) {
	if len(entries) == 0 {
		return
	}
	w.mu.RLock()
	obs := w.observers
	w.mu.RUnlock()
	for _, e := range entries {
		for _, fn := range obs {
			fn(e)
		}
	}
}

// QueueLen returns the number of candidates waiting for the writer.
func (w *Writer) QueueLen() int { return len(w.queue) }
