// Package manifest stores the site configuration document edited from the
// admin panel. The document is opaque JSON; only its envelope is managed here.
package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/VitoHuang720618/bojiu/internal/db"
)

var (
	ErrNotFound        = errors.New("site manifest not found")
	ErrVersionConflict = errors.New("site manifest was modified concurrently")
)

type Document struct {
	Config    json.RawMessage `json:"config"`
	Version   int64           `json:"version"`
	UpdatedBy *string         `json:"updatedBy,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Store interface {
	Get(ctx context.Context) (Document, error)
	Put(ctx context.Context, config json.RawMessage, expectedVersion *int64, updatedBy string) (Document, error)
}

type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(database *sql.DB) *Repository {
	return &Repository{db: database, now: func() time.Time { return time.Now().UTC() }}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	var config []byte
	var updatedBy sql.NullString
	if err := row.Scan(&config, &doc.Version, &updatedBy, &doc.UpdatedAt); err != nil {
		return Document{}, err
	}
	doc.Config = json.RawMessage(config)
	if updatedBy.Valid {
		value := updatedBy.String
		doc.UpdatedBy = &value
	}
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func (r *Repository) Get(ctx context.Context) (Document, error) {
	doc, err := scanDocument(r.db.QueryRowContext(ctx, `
		SELECT document, version, updated_by, updated_at
		FROM site_manifest
		WHERE id = 1
	`))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("query site manifest: %w", err)
	}
	return doc, nil
}

// Put replaces the document. When expectedVersion is set the write only
// succeeds if the stored version still matches it.
func (r *Repository) Put(ctx context.Context, config json.RawMessage, expectedVersion *int64, updatedBy string) (Document, error) {
	var doc Document
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM site_manifest WHERE id = 1 FOR UPDATE`).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock site manifest: %w", err)
		}
		if expectedVersion != nil && *expectedVersion != current {
			return ErrVersionConflict
		}

		doc, err = scanDocument(tx.QueryRowContext(ctx, `
			UPDATE site_manifest
			SET document = $1, version = version + 1, updated_by = $2, updated_at = $3
			WHERE id = 1
			RETURNING document, version, updated_by, updated_at
		`, []byte(config), nullUUID(updatedBy), r.now()))
		if err != nil {
			return fmt.Errorf("update site manifest: %w", err)
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func nullUUID(id string) sql.NullString {
	return sql.NullString{String: id, Valid: id != ""}
}
