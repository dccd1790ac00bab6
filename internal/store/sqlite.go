package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite" // registers the "sqlite" driver
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_ledger (
	seq             INTEGER PRIMARY KEY,
	entry_id        TEXT NOT NULL UNIQUE,
	ts              TEXT NOT NULL,
	actor_id        TEXT NOT NULL,
	actor_session   TEXT NOT NULL DEFAULT '',
	actor_ip        TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	payload         BLOB NOT NULL,
	payload_digest  TEXT NOT NULL,
	previous_hash   TEXT,
	chain_hash      TEXT NOT NULL,
	sig_key_id      TEXT NOT NULL,
	sig_alg         TEXT NOT NULL,
	signature       TEXT NOT NULL,
	retention_until TEXT NOT NULL,
	archived_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_ledger_entity ON audit_ledger(entity_type, entity_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_ledger_retention ON audit_ledger(retention_until);
CREATE TRIGGER IF NOT EXISTS audit_ledger_no_delete BEFORE DELETE ON audit_ledger
BEGIN
	SELECT RAISE(ABORT, 'audit_ledger is append-only');
END;
DROP TRIGGER IF EXISTS audit_ledger_no_update;
CREATE TRIGGER audit_ledger_no_update BEFORE UPDATE ON audit_ledger
WHEN NEW.seq IS NOT OLD.seq OR NEW.entry_id IS NOT OLD.entry_id OR NEW.ts IS NOT OLD.ts
  OR NEW.actor_id IS NOT OLD.actor_id OR NEW.actor_session IS NOT OLD.actor_session
  OR NEW.actor_ip IS NOT OLD.actor_ip OR NEW.action IS NOT OLD.action
  OR NEW.entity_type IS NOT OLD.entity_type OR NEW.entity_id IS NOT OLD.entity_id
  OR NEW.payload IS NOT OLD.payload OR NEW.payload_digest IS NOT OLD.payload_digest
  OR NEW.previous_hash IS NOT OLD.previous_hash OR NEW.chain_hash IS NOT OLD.chain_hash
  OR NEW.sig_key_id IS NOT OLD.sig_key_id OR NEW.sig_alg IS NOT OLD.sig_alg
  OR NEW.signature IS NOT OLD.signature OR NEW.retention_until IS NOT OLD.retention_until
BEGIN
	SELECT RAISE(ABORT, 'audit_ledger rows are immutable');
END;
`

const sqliteColumns = `seq, entry_id, ts, actor_id, actor_session, actor_ip, action,
	entity_type, entity_id, payload, payload_digest, previous_hash, chain_hash,
	sig_key_id, sig_alg, signature, retention_until, archived_at`

// SQLiteStore persists the ledger to a single SQLite file in WAL mode.
// It doubles as the cold Archive, where rows need not be contiguous.
type SQLiteStore struct {
	db     *sql.DB
	codec  PayloadCodec
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the database at path. A nil codec stores
// payloads as plain JSON.
func OpenSQLite(path string, codec PayloadCodec, logger *zap.Logger) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	return &SQLiteStore{db: db, codec: codec, logger: logger}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, entries ...*ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var tail sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(seq) FROM audit_ledger").Scan(&tail); err != nil {
		return fmt.Errorf("read ledger tail: %w", err)
	}
	next := uint64(0)
	if tail.Valid {
		next = uint64(tail.Int64) + 1
	}
	if err := checkContiguous(next, entries); err != nil {
		return fmt.Errorf("%w: tail %d, got %d", err, next, entries[0].SequenceNumber)
	}

	for _, e := range entries {
		if err := s.insert(ctx, tx, "INSERT", e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	s.logger.Debug("ledger batch appended",
		zap.Uint64("first_seq", entries[0].SequenceNumber),
		zap.Int("count", len(entries)),
	)
	return nil
}

func (s *SQLiteStore) insert(ctx context.Context, tx *sql.Tx, verb string, e *ledger.Entry) error {
	var exists int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM audit_ledger WHERE entry_id = ? AND seq != ?",
		e.EntryID.String(), int64(e.SequenceNumber)).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicate, e.EntryID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check entry_id: %w", err)
	}

	blob, err := s.codec.EncodePayload(e.EntryID, e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload %s: %w", e.EntryID, err)
	}
	var prev, archived any
	if e.PreviousHash != "" {
		prev = e.PreviousHash
	}
	if e.ArchivedAt != nil {
		archived = formatTime(*e.ArchivedAt)
	}
	_, err = tx.ExecContext(ctx, verb+` INTO audit_ledger (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(e.SequenceNumber), e.EntryID.String(), formatTime(e.Timestamp),
		e.Actor.ID, e.Actor.SessionID, e.Actor.IP, string(e.Action),
		e.Entity.Type, e.Entity.ID, blob, e.PayloadDigest,
		prev, e.ChainHash,
		e.Signature.KeyID, e.Signature.Algorithm, e.Signature.Value,
		formatTime(e.RetentionUntil), archived,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %d: %w", e.SequenceNumber, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scan(row rowScanner) (*ledger.Entry, error) {
	var (
		e                   ledger.Entry
		seq                 int64
		id, ts, ret, action string
		blob                []byte
		prev, archived      sql.NullString
	)
	if err := row.Scan(
		&seq, &id, &ts,
		&e.Actor.ID, &e.Actor.SessionID, &e.Actor.IP, &action,
		&e.Entity.Type, &e.Entity.ID, &blob, &e.PayloadDigest,
		&prev, &e.ChainHash,
		&e.Signature.KeyID, &e.Signature.Algorithm, &e.Signature.Value,
		&ret, &archived,
	); err != nil {
		return nil, err
	}
	var err error
	if e.EntryID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse entry_id: %w", err)
	}
	if e.Timestamp, err = parseTime(ts); err != nil {
		return nil, err
	}
	if e.RetentionUntil, err = parseTime(ret); err != nil {
		return nil, err
	}
	if archived.Valid {
		t, err := parseTime(archived.String)
		if err != nil {
			return nil, err
		}
		e.ArchivedAt = &t
	}
	e.SequenceNumber = uint64(seq)
	e.Action = ledger.Action(action)
	e.PreviousHash = prev.String
	openPayload(s.codec, &e, blob)
	return &e, nil
}

func (s *SQLiteStore) scanOne(ctx context.Context, query string, args ...any) (*ledger.Entry, error) {
	e, err := s.scan(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Entry
	for rows.Next() {
		e, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Tail implements Store.
func (s *SQLiteStore) Tail(ctx context.Context) (*ledger.Entry, error) {
	e, err := s.scanOne(ctx, "SELECT "+sqliteColumns+" FROM audit_ledger ORDER BY seq DESC LIMIT 1")
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrEmpty
	}
	return e, err
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, seq uint64) (*ledger.Entry, error) {
	return s.scanOne(ctx, "SELECT "+sqliteColumns+" FROM audit_ledger WHERE seq = ?", clampSeq(seq))
}

// GetByEntryID implements Store.
func (s *SQLiteStore) GetByEntryID(ctx context.Context, id uuid.UUID) (*ledger.Entry, error) {
	return s.scanOne(ctx, "SELECT "+sqliteColumns+" FROM audit_ledger WHERE entry_id = ?", id.String())
}

// Range implements Store. Rows are read in pages so fn never runs while a
// read cursor holds the database.
func (s *SQLiteStore) Range(ctx context.Context, start, end uint64, fn func(*ledger.Entry) error) error {
	const page = 500
	from := clampSeq(start)
	to := clampSeq(end)
	for from <= to {
		batch, err := s.query(ctx,
			"SELECT "+sqliteColumns+" FROM audit_ledger WHERE seq >= ? AND seq <= ? ORDER BY seq ASC LIMIT ?",
			from, to, page)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(batch) < page {
			return nil
		}
		from = int64(batch[len(batch)-1].SequenceNumber) + 1
	}
	return nil
}

// ByEntity implements Store.
func (s *SQLiteStore) ByEntity(ctx context.Context, ref ledger.EntityRef, q Query) ([]*ledger.Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	var since, until any
	if !q.Since.IsZero() {
		since = formatTime(q.Since)
	}
	if !q.Until.IsZero() {
		until = formatTime(q.Until)
	}
	return s.query(ctx, `
		SELECT `+sqliteColumns+` FROM audit_ledger
		WHERE entity_type = ? AND entity_id = ?
		  AND (? = '' OR action = ?)
		  AND (? IS NULL OR ts >= ?)
		  AND (? IS NULL OR ts <= ?)
		ORDER BY seq ASC
		LIMIT ?`,
		ref.Type, ref.ID, string(q.Action), string(q.Action), since, since, until, until, limit,
	)
}

// ListExpired implements Store.
func (s *SQLiteStore) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]ledger.EntryRef, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, entry_id, entity_type, entity_id, retention_until
		FROM audit_ledger
		WHERE seq > 0 AND archived_at IS NULL AND retention_until <= ?
		ORDER BY seq ASC
		LIMIT ?`, formatTime(asOf), limit)
	if err != nil {
		return nil, fmt.Errorf("query expired entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.EntryRef
	for rows.Next() {
		var (
			ref     ledger.EntryRef
			seq     int64
			id, ret string
		)
		if err := rows.Scan(&seq, &id, &ref.Entity.Type, &ref.Entity.ID, &ret); err != nil {
			return nil, fmt.Errorf("scan expired entry: %w", err)
		}
		if ref.EntryID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse entry_id: %w", err)
		}
		if ref.RetentionUntil, err = parseTime(ret); err != nil {
			return nil, err
		}
		ref.SequenceNumber = uint64(seq)
		out = append(out, ref)
	}
	return out, rows.Err()
}

// MarkArchived implements Store.
func (s *SQLiteStore) MarkArchived(ctx context.Context, seq uint64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE audit_ledger SET archived_at = COALESCE(archived_at, ?) WHERE seq = ?",
		formatTime(ledger.CanonicalTime(at)), clampSeq(seq))
	if err != nil {
		return fmt.Errorf("mark archived %d: %w", seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// Len implements Store.
func (s *SQLiteStore) Len(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_ledger").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return uint64(n), nil
}

// Put implements Archive. Re-archiving an entry is a no-op.
func (s *SQLiteStore) Put(ctx context.Context, e *ledger.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := s.insert(ctx, tx, "INSERT OR IGNORE", e); err != nil {
		return err
	}
	return tx.Commit()
}

// GetArchived implements Archive.
func (s *SQLiteStore) GetArchived(ctx context.Context, seq uint64) (*ledger.Entry, error) {
	return s.Get(ctx, seq)
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(ledger.TimeFormat) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(ledger.TimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
