// Package monitor re-verifies the ledger in the background and raises
// alerts when integrity checks fail. It never writes to the ledger.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/alerts"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/store"
	"github.com/jmerrifield20/AuditLedger/internal/verify"
)

// Config holds monitor configuration.
type Config struct {
	Interval time.Duration
	// FullEvery runs a whole-chain pass every N passes. Default: 12.
	FullEvery int
}

// Verifier checks a range of the chain. *verify.Service implements it.
type Verifier interface {
	VerifyRange(ctx context.Context, start, end *uint64) (*verify.Report, error)
}

// Tailer reports the current tail. store.Store implements it.
type Tailer interface {
	Tail(ctx context.Context) (*ledger.Entry, error)
}

// AlertDispatchFunc is an optional callback for raising alerts.
type AlertDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording pass results.
type MetricsRecordFunc func(rep *verify.Report, full bool)

// Status summarizes monitor progress.
type Status struct {
	Passes       int       `json:"passes"`
	LastRun      time.Time `json:"last_run,omitempty"`
	LastVerified *uint64   `json:"last_verified_sequence,omitempty"`
	LastValid    bool      `json:"last_valid"`
	LastScore    float64   `json:"last_compliance_score"`
	OpenFindings int       `json:"open_findings"`
}

// Monitor runs periodic integrity passes.
type Monitor struct {
	verifier  Verifier
	tailer    Tailer
	cfg       Config
	onAlert   AlertDispatchFunc
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu     sync.Mutex
	next   *uint64
	status Status
	// seen holds findings already alerted on, keyed by sequence and cause.
	seen map[string]struct{}
}

// New creates a Monitor.
func New(v Verifier, t Tailer, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.FullEvery <= 0 {
		cfg.FullEvery = 12
	}
	return &Monitor{
		verifier: v,
		tailer:   t,
		cfg:      cfg,
		logger:   logger,
		seen:     make(map[string]struct{}),
	}
}

// SetAlertDispatch configures the alert callback.
func (m *Monitor) SetAlertDispatch(fn AlertDispatchFunc) {
	m.onAlert = fn
}

// SetMetricsRecord configures the metrics callback.
func (m *Monitor) SetMetricsRecord(fn MetricsRecordFunc) {
	m.onMetrics = fn
}

// Start runs the monitor loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.RunPass(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("monitor: pass failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Status returns a snapshot of monitor progress.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	s.OpenFindings = len(m.seen)
	return s
}

// RunPass verifies from the last verified sequence number to the tail, or
// the whole chain when a full pass is due. It returns nil when there was
// nothing new to verify.
func (m *Monitor) RunPass(ctx context.Context) (*verify.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status.Passes++
	m.status.LastRun = time.Now().UTC()
	full := m.next == nil || m.status.Passes%m.cfg.FullEvery == 0

	tail, err := m.tailer.Tail(ctx)
	if errors.Is(err, store.ErrEmpty) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tail: %w", err)
	}
	end := tail.SequenceNumber

	var start *uint64
	if !full {
		if *m.next > end {
			return nil, nil
		}
		start = m.next
	}

	rep, err := m.verifier.VerifyRange(ctx, start, &end)
	if err != nil {
		return nil, fmt.Errorf("verify range: %w", err)
	}

	m.dispatch(ctx, rep, full)

	if rep.Completed {
		next := rep.End + 1
		m.next = &next
		last := rep.End
		m.status.LastVerified = &last
	}
	m.status.LastValid = rep.Valid
	m.status.LastScore = rep.ComplianceScore

	if m.onMetrics != nil {
		m.onMetrics(rep, full)
	}
	m.logger.Debug("monitor: pass complete",
		zap.Bool("full", full),
		zap.Uint64("start", rep.Start),
		zap.Uint64("end", rep.End),
		zap.Bool("valid", rep.Valid),
	)
	return rep, nil
}

// dispatch alerts on findings not alerted before. A full pass replaces
// the set of open findings, so resolved findings can alert again later.
func (m *Monitor) dispatch(ctx context.Context, rep *verify.Report, full bool) {
	current := make(map[string]struct{})
	for _, f := range rep.Findings {
		if !m.mark(current, f.Sequence, string(f.Cause)) {
			continue
		}
		m.logger.Error("monitor: integrity finding",
			zap.Uint64("seq", f.Sequence),
			zap.String("cause", string(f.Cause)),
		)
		if m.onAlert == nil {
			continue
		}
		m.onAlert(ctx, findingEvent(f.Cause), map[string]string{
			"sequence_number": strconv.FormatUint(f.Sequence, 10),
			"cause":           string(f.Cause),
			"expected_hash":   f.ExpectedHash,
			"actual_hash":     f.ActualHash,
			"key_id":          f.KeyID,
			"detail":          f.Detail,
		})
	}
	for _, p := range rep.PayloadIssues {
		if !m.mark(current, p.Sequence, p.Kind) || m.onAlert == nil {
			continue
		}
		m.onAlert(ctx, alerts.EventPayloadUnreadable, map[string]string{
			"sequence_number": strconv.FormatUint(p.Sequence, 10),
			"detail":          p.Detail,
		})
	}

	if full {
		m.seen = current
		return
	}
	for k := range current {
		m.seen[k] = struct{}{}
	}
}

// mark records a finding in current and reports whether it is new.
func (m *Monitor) mark(current map[string]struct{}, seq uint64, cause string) bool {
	key := strconv.FormatUint(seq, 10) + "/" + cause
	current[key] = struct{}{}
	_, old := m.seen[key]
	return !old
}

func findingEvent(c verify.Cause) string {
	switch c {
	case verify.CauseSignatureInvalid:
		return alerts.EventSignatureInvalid
	case verify.CauseMissingEntry:
		return alerts.EventMissingEntry
	default:
		return alerts.EventHashMismatch
	}
}
