package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresUpdateStore is an UpdateStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresUpdateStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Every mutation runs in one transaction holding a per-namespace advisory lock,
//     so appends are totally ordered and size checks cannot race.
//   - ReplaceUpdates re-reads the log under that lock before comparing versions.
//
// Tables (see migrations/001_branch_sync.sql):
//   - branch_logs(namespace, size_bytes, next_seq)
//   - branch_updates(namespace, seq, update_data, created_at_ms)
type PostgresUpdateStore struct {
	pool          *pgxpool.Pool
	schema        string
	maxBranchSize int64
	now           func() time.Time
}

// PostgresOption configures PostgresUpdateStore behavior.
type PostgresOption func(*PostgresUpdateStore) error

// WithSchema sets the DB schema used by this store (default: "tether").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresUpdateStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPostgresMaxBranchSize sets the per-namespace byte limit (0 = unlimited).
func WithPostgresMaxBranchSize(maxBytes int64) PostgresOption {
	return func(s *PostgresUpdateStore) error {
		if maxBytes < 0 {
			return errors.New("realtime: negative max branch size")
		}
		s.maxBranchSize = maxBytes
		return nil
	}
}

// WithPostgresClock injects the clock used for update timestamps.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresUpdateStore) error {
		if now == nil {
			return errors.New("realtime: nil clock")
		}
		s.now = now
		return nil
	}
}

// NewPostgresUpdateStore constructs a Postgres-backed UpdateStore.
func NewPostgresUpdateStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresUpdateStore, error) {
	st := &PostgresUpdateStore{
		pool:   pool,
		schema: "tether",
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresUpdateStore) Close() error { return nil }

// GetUpdates returns the log ordered by seq ASC. Unknown namespaces yield an empty log.
func (s *PostgresUpdateStore) GetUpdates(ctx context.Context, namespace string) (StoredUpdates, error) {
	if s == nil || s.pool == nil {
		return StoredUpdates{}, errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return StoredUpdates{}, err
	}
	return readLog(ctx, s.pool, pgIdent(s.schema, "branch_updates"), namespace)
}

// AddUpdates appends updates in one transaction or rejects all of them.
func (s *PostgresUpdateStore) AddUpdates(ctx context.Context, namespace string, updates []string) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if len(updates) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.beginLocked(ctx, namespace)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	logs := pgIdent(s.schema, "branch_logs")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+logs+` (namespace, size_bytes, next_seq) VALUES ($1, 0, 1)
		 ON CONFLICT (namespace) DO NOTHING`,
		namespace,
	); err != nil {
		return fmt.Errorf("ensure branch log: %w", err)
	}

	var size, nextSeq int64
	if err := tx.QueryRow(ctx,
		`SELECT size_bytes, next_seq FROM `+logs+` WHERE namespace = $1`,
		namespace,
	).Scan(&size, &nextSeq); err != nil {
		return fmt.Errorf("read branch log: %w", err)
	}

	added := updatesSize(updates)
	if err := checkBranchSize(s.maxBranchSize, size, added); err != nil {
		return err
	}

	if err := s.copyUpdates(ctx, tx, namespace, nextSeq, updates); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+logs+`
		    SET size_bytes = size_bytes + $2,
		        next_seq = next_seq + $3
		  WHERE namespace = $1`,
		namespace, added, int64(len(updates)),
	); err != nil {
		return fmt.Errorf("update branch log: %w", err)
	}

	return tx.Commit(ctx)
}

// ReplaceUpdates swaps the whole log when expectedVersion still matches.
func (s *PostgresUpdateStore) ReplaceUpdates(ctx context.Context, namespace, expectedVersion string, updates []string) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.beginLocked(ctx, namespace)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	table := pgIdent(s.schema, "branch_updates")
	logs := pgIdent(s.schema, "branch_logs")

	current, err := readLog(ctx, tx, table, namespace)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return ErrVersionMismatch
	}

	size := updatesSize(updates)
	if err := checkBranchSize(s.maxBranchSize, 0, size); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE namespace = $1`, namespace); err != nil {
		return fmt.Errorf("delete updates: %w", err)
	}
	if err := s.copyUpdates(ctx, tx, namespace, 1, updates); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+logs+` (namespace, size_bytes, next_seq) VALUES ($1, $2, $3)
		 ON CONFLICT (namespace) DO UPDATE
		    SET size_bytes = EXCLUDED.size_bytes,
		        next_seq = EXCLUDED.next_seq`,
		namespace, size, int64(len(updates))+1,
	); err != nil {
		return fmt.Errorf("reset branch log: %w", err)
	}

	return tx.Commit(ctx)
}

// ClearUpdates deletes the namespace's log and size counter.
func (s *PostgresUpdateStore) ClearUpdates(ctx context.Context, namespace string) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.beginLocked(ctx, namespace)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "branch_updates")+` WHERE namespace = $1`, namespace); err != nil {
		return fmt.Errorf("delete updates: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "branch_logs")+` WHERE namespace = $1`, namespace); err != nil {
		return fmt.Errorf("delete branch log: %w", err)
	}
	return tx.Commit(ctx)
}

// beginLocked opens a transaction serialized per namespace.
func (s *PostgresUpdateStore) beginLocked(ctx context.Context, namespace string) (pgx.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, namespace); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	return tx, nil
}

func (s *PostgresUpdateStore) copyUpdates(ctx context.Context, tx pgx.Tx, namespace string, firstSeq int64, updates []string) error {
	if len(updates) == 0 {
		return nil
	}

	ts := s.now().UnixMilli()
	rows := make([][]any, 0, len(updates))
	for i, u := range updates {
		rows = append(rows, []any{namespace, firstSeq + int64(i), u, ts})
	}

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{s.schema, "branch_updates"},
		[]string{"namespace", "seq", "update_data", "created_at_ms"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("insert updates: %w", err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("insert updates: wrote %d of %d rows", n, len(rows))
	}
	return nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func readLog(ctx context.Context, q pgQuerier, table, namespace string) (StoredUpdates, error) {
	rows, err := q.Query(ctx,
		`SELECT update_data, created_at_ms
		   FROM `+table+`
		  WHERE namespace = $1
		  ORDER BY seq ASC`,
		namespace,
	)
	if err != nil {
		return StoredUpdates{}, err
	}
	defer rows.Close()

	out := StoredUpdates{Updates: []string{}, Timestamps: []int64{}}
	for rows.Next() {
		var (
			u  string
			ts int64
		)
		if err := rows.Scan(&u, &ts); err != nil {
			return StoredUpdates{}, err
		}
		out.Updates = append(out.Updates, u)
		out.Timestamps = append(out.Timestamps, ts)
	}
	if err := rows.Err(); err != nil {
		return StoredUpdates{}, err
	}

	out.Version = LogVersion(out.Updates)
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
