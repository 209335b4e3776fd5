package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgForeignKeyViolation = "23503"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert keeps an entry whose user was deleted before it was written by
// storing it without the user reference.
func (r *Repository) Insert(ctx context.Context, entry Entry) error {
	err := r.insert(ctx, entry)
	var pgErr *pgconn.PgError
	if err != nil && entry.UserID != nil && errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		entry.UserID = nil
		err = r.insert(ctx, entry)
	}
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *Repository) insert(ctx context.Context, entry Entry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_audit_log (user_id, action, details, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.UserID, entry.Action, nullString(entry.Details), nullString(entry.IPAddress), nullString(entry.UserAgent), entry.CreatedAt)
	return err
}

type ListFilter struct {
	UserID string
	Action string
	Limit  int
}

func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, action, COALESCE(details, ''), COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM user_audit_log
		WHERE ($1 = '' OR user_id::text = $1)
		  AND ($2 = '' OR action = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, filter.UserID, filter.Action, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var userID sql.NullString
		if err := rows.Scan(&e.ID, &userID, &e.Action, &e.Details, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if userID.Valid {
			e.UserID = &userID.String
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}

	return entries, nil
}

func (r *Repository) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := r.db.ExecContext(ctx, `DELETE FROM user_audit_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
