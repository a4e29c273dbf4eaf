package realtime

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BranchAuthorizer defines the authorization boundary for branch access.
type BranchAuthorizer interface {
	// CanAccessBranch returns true if conn may read, write and address devices on key.
	CanAccessBranch(ctx context.Context, conn Connection, key BranchKey) (bool, error)
}

// AllowAllAuthorizer permits every branch. Used when no policy store is configured.
type AllowAllAuthorizer struct{}

// CanAccessBranch always returns true.
func (AllowAllAuthorizer) CanAccessBranch(context.Context, Connection, BranchKey) (bool, error) {
	return true, nil
}

// PostgresBranchAuthorizer checks record membership via tether.record_members.
// Branches of public insts (empty RecordName) are always accessible.
type PostgresBranchAuthorizer struct {
	pool   *pgxpool.Pool
	schema string
}

// AuthorizerOption configures PostgresBranchAuthorizer behavior.
type AuthorizerOption func(*PostgresBranchAuthorizer) error

// WithAuthorizerSchema sets the DB schema used by the authorizer (default: "tether").
func WithAuthorizerSchema(schema string) AuthorizerOption {
	return func(a *PostgresBranchAuthorizer) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		a.schema = schema
		return nil
	}
}

// NewPostgresBranchAuthorizer constructs an authorizer backed by PostgreSQL.
func NewPostgresBranchAuthorizer(pool *pgxpool.Pool, opts ...AuthorizerOption) (*PostgresBranchAuthorizer, error) {
	a := &PostgresBranchAuthorizer{
		pool:   pool,
		schema: "tether",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return a, nil
}

// CanAccessBranch checks if conn's user is a member of key's record.
func (a *PostgresBranchAuthorizer) CanAccessBranch(ctx context.Context, conn Connection, key BranchKey) (bool, error) {
	if a == nil || a.pool == nil {
		return false, errors.New("realtime: nil authorizer")
	}
	record := strings.TrimSpace(key.RecordName)
	if record == "" {
		return true, nil
	}
	userID := strings.TrimSpace(conn.UserID)
	if userID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	members := pgIdent(a.schema, "record_members")

	var one int
	err := a.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE record_name = $1 AND user_id = $2`,
		record, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
