package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresArchive is the durable append-only audit sink. The hot trail
// lives in Redis with a cap; this table keeps the long horizon for
// history and ROI readers.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresArchive initializes the connection pool and ensures the
// audit table exists.
func NewPostgresArchive(ctx context.Context, connString string) (*PostgresArchive, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	schema := `
		CREATE TABLE IF NOT EXISTS cycle_audit (
			id          BIGSERIAL PRIMARY KEY,
			uid         TEXT NOT NULL,
			cycle_id    TEXT NOT NULL,
			started_at  BIGINT NOT NULL,
			action      TEXT NOT NULL,
			entry       JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS cycle_audit_uid_started
			ON cycle_audit (uid, started_at DESC);
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresArchive{pool: pool}, nil
}

// Close closes the connection pool.
func (a *PostgresArchive) Close() {
	a.pool.Close()
}

func (a *PostgresArchive) ArchiveAudit(ctx context.Context, entry *AuditEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO cycle_audit (uid, cycle_id, started_at, action, entry)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = a.pool.Exec(ctx, query, entry.UID, entry.CycleID, entry.StartedAt, entry.ActionTaken, raw)
	return err
}

func (a *PostgresArchive) QueryAudit(ctx context.Context, uid string, sinceMs int64, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT entry FROM cycle_audit
		WHERE uid = $1 AND started_at >= $2
		ORDER BY started_at DESC
		LIMIT $3
	`
	rows, err := a.pool.Query(ctx, query, uid, sinceMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e AuditEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
