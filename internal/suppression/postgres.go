package suppression

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore stores entries in the suppressions table.
type PostgresStore struct {
	db DBTX
}

func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const addSuppression = `
INSERT INTO suppressions (recipient, reason, recorded_at)
VALUES ($1, $2, $3)
ON CONFLICT (recipient, reason) DO NOTHING`

func (s *PostgresStore) Add(ctx context.Context, e Entry) (bool, error) {
	e, err := e.normalized()
	if err != nil {
		return false, err
	}

	tag, err := s.db.Exec(ctx, addSuppression, e.Recipient, string(e.Reason), e.RecordedAt)
	if err != nil {
		return false, fmt.Errorf("insert suppression: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const findSuppressions = `
SELECT recipient, reason, recorded_at
FROM suppressions
WHERE recipient = $1
ORDER BY reason`

func (s *PostgresStore) Find(ctx context.Context, recipient string) ([]Entry, error) {
	rows, err := s.db.Query(ctx, findSuppressions, NormalizeAddress(recipient))
	if err != nil {
		return nil, fmt.Errorf("query suppressions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var reason string
		if err := rows.Scan(&e.Recipient, &reason, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		e.Reason = Reason(reason)
		e.RecordedAt = e.RecordedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suppressions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM suppressions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count suppressions: %w", err)
	}
	return n, nil
}
