package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
)

// advisoryLockKey serialises appends across processes. Only one ledger
// writer should run, but a second instance started by mistake must not
// be able to interleave with the first.
const advisoryLockKey = int64(1_384_502_117)

const pgUniqueViolation = "23505"

const pgColumns = `seq, entry_id, ts, actor_id, actor_session, actor_ip, action,
	entity_type, entity_id, payload, payload_digest, previous_hash, chain_hash,
	sig_key_id, sig_alg, signature, retention_until, archived_at`

const pgInsert = `INSERT INTO audit_ledger (` + pgColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

// PostgresStore persists the ledger to the audit_ledger table created by
// migrations/001_audit_ledger.up.sql.
type PostgresStore struct {
	pool   *pgxpool.Pool
	codec  PayloadCodec
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore on pool. A nil codec stores
// payloads as plain JSON.
func NewPostgresStore(pool *pgxpool.Pool, codec PayloadCodec, logger *zap.Logger) *PostgresStore {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &PostgresStore{pool: pool, codec: codec, logger: logger}
}

// Append implements Store. The batch is inserted under a transaction-scoped
// advisory lock after re-reading the durable tail.
func (s *PostgresStore) Append(ctx context.Context, entries ...*ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var tail *int64
	if err := tx.QueryRow(ctx, "SELECT MAX(seq) FROM audit_ledger").Scan(&tail); err != nil {
		return fmt.Errorf("read ledger tail: %w", err)
	}
	next := uint64(0)
	if tail != nil {
		next = uint64(*tail) + 1
	}
	if err := checkContiguous(next, entries); err != nil {
		return fmt.Errorf("%w: tail %d, got %d", err, next, entries[0].SequenceNumber)
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		args, err := s.insertArgs(e)
		if err != nil {
			return err
		}
		batch.Queue(pgInsert, args...)
	}
	br := tx.SendBatch(ctx, batch)
	for _, e := range entries {
		if _, err := br.Exec(); err != nil {
			br.Close() //nolint:errcheck
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return fmt.Errorf("%w: %s", ErrDuplicate, e.EntryID)
			}
			return fmt.Errorf("insert ledger entry %d: %w", e.SequenceNumber, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("ledger batch appended",
		zap.Uint64("first_seq", entries[0].SequenceNumber),
		zap.Int("count", len(entries)),
	)
	return nil
}

func (s *PostgresStore) insertArgs(e *ledger.Entry) ([]any, error) {
	blob, err := s.codec.EncodePayload(e.EntryID, e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload %s: %w", e.EntryID, err)
	}
	return []any{
		int64(e.SequenceNumber), e.EntryID, e.Timestamp,
		e.Actor.ID, e.Actor.SessionID, e.Actor.IP, string(e.Action),
		e.Entity.Type, e.Entity.ID, blob, e.PayloadDigest,
		nullableHash(e.PreviousHash), e.ChainHash,
		e.Signature.KeyID, e.Signature.Algorithm, e.Signature.Value,
		e.RetentionUntil, e.ArchivedAt,
	}, nil
}

func (s *PostgresStore) scan(row pgx.Row) (*ledger.Entry, error) {
	var (
		e       ledger.Entry
		seq     int64
		action  string
		blob    []byte
		prev    *string
		ts, ret time.Time
	)
	if err := row.Scan(
		&seq, &e.EntryID, &ts,
		&e.Actor.ID, &e.Actor.SessionID, &e.Actor.IP, &action,
		&e.Entity.Type, &e.Entity.ID, &blob, &e.PayloadDigest,
		&prev, &e.ChainHash,
		&e.Signature.KeyID, &e.Signature.Algorithm, &e.Signature.Value,
		&ret, &e.ArchivedAt,
	); err != nil {
		return nil, err
	}
	e.SequenceNumber = uint64(seq)
	e.Action = ledger.Action(action)
	e.Timestamp = ts.UTC()
	e.RetentionUntil = ret.UTC()
	if prev != nil {
		e.PreviousHash = *prev
	}
	if e.ArchivedAt != nil {
		t := e.ArchivedAt.UTC()
		e.ArchivedAt = &t
	}
	openPayload(s.codec, &e, blob)
	return &e, nil
}

func (s *PostgresStore) scanOne(ctx context.Context, query string, args ...any) (*ledger.Entry, error) {
	e, err := s.scan(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	return e, nil
}

// Tail implements Store.
func (s *PostgresStore) Tail(ctx context.Context) (*ledger.Entry, error) {
	e, err := s.scanOne(ctx, "SELECT "+pgColumns+" FROM audit_ledger ORDER BY seq DESC LIMIT 1")
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrEmpty
	}
	return e, err
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, seq uint64) (*ledger.Entry, error) {
	return s.scanOne(ctx, "SELECT "+pgColumns+" FROM audit_ledger WHERE seq = $1", int64(seq))
}

// GetByEntryID implements Store.
func (s *PostgresStore) GetByEntryID(ctx context.Context, id uuid.UUID) (*ledger.Entry, error) {
	return s.scanOne(ctx, "SELECT "+pgColumns+" FROM audit_ledger WHERE entry_id = $1", id)
}

// Range implements Store. Rows stream from the server; fn runs while the
// cursor is open.
func (s *PostgresStore) Range(ctx context.Context, start, end uint64, fn func(*ledger.Entry) error) error {
	rows, err := s.pool.Query(ctx,
		"SELECT "+pgColumns+" FROM audit_ledger WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC",
		clampSeq(start), clampSeq(end),
	)
	if err != nil {
		return fmt.Errorf("query ledger range: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := s.scan(rows)
		if err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ByEntity implements Store using the (entity_type, entity_id, seq) index.
func (s *PostgresStore) ByEntity(ctx context.Context, ref ledger.EntityRef, q Query) ([]*ledger.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgColumns+` FROM audit_ledger
		WHERE entity_type = $1 AND entity_id = $2
		  AND ($3 = '' OR action = $3)
		  AND ($4::timestamptz IS NULL OR ts >= $4)
		  AND ($5::timestamptz IS NULL OR ts <= $5)
		ORDER BY seq ASC
		LIMIT $6`,
		ref.Type, ref.ID, string(q.Action), optionalTime(q.Since), optionalTime(q.Until), optionalLimit(q.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query entity entries: %w", err)
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

// ListExpired implements Store.
func (s *PostgresStore) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]ledger.EntryRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, entry_id, entity_type, entity_id, retention_until
		FROM audit_ledger
		WHERE seq > 0 AND archived_at IS NULL AND retention_until <= $1
		ORDER BY seq ASC
		LIMIT $2`,
		asOf, optionalLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.EntryRef
	for rows.Next() {
		var (
			ref ledger.EntryRef
			seq int64
		)
		if err := rows.Scan(&seq, &ref.EntryID, &ref.Entity.Type, &ref.Entity.ID, &ref.RetentionUntil); err != nil {
			return nil, fmt.Errorf("scan expired entry: %w", err)
		}
		ref.SequenceNumber = uint64(seq)
		ref.RetentionUntil = ref.RetentionUntil.UTC()
		out = append(out, ref)
	}
	return out, rows.Err()
}

// MarkArchived implements Store. archived_at is the only mutable column and
// the immutability trigger permits nothing else.
func (s *PostgresStore) MarkArchived(ctx context.Context, seq uint64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audit_ledger SET archived_at = COALESCE(archived_at, $2) WHERE seq = $1`,
		int64(seq), ledger.CanonicalTime(at),
	)
	if err != nil {
		return fmt.Errorf("mark archived %d: %w", seq, err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_ledger").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return uint64(n), nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func clampSeq(seq uint64) int64 {
	if seq > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(seq)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func optionalLimit(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}
