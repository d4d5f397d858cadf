package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/selfscan-checkout/internal/retry"
	"github.com/utafrali/selfscan-checkout/pkg/database"
)

const (
	selectCartsSQL = `SELECT carts FROM saved_carts WHERE project_id = $1`

	upsertCartsSQL = `
		INSERT INTO saved_carts (project_id, carts, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_id) DO UPDATE
		SET carts = EXCLUDED.carts, updated_at = EXCLUDED.updated_at`

	deleteCartsSQL = `DELETE FROM saved_carts WHERE project_id = $1`

	selectProjectsSQL = `SELECT project_id FROM saved_carts WHERE jsonb_array_length(carts) > 0 ORDER BY project_id`
)

// SavedCartStore implements retry.Store using PostgreSQL. Every project's
// list is one JSONB row.
type SavedCartStore struct {
	db database.DBTX
}

// NewSavedCartStore creates a new PostgreSQL-backed saved cart store.
func NewSavedCartStore(db database.DBTX) *SavedCartStore {
	return &SavedCartStore{db: db}
}

// Load returns the saved carts of a project. A missing row is an empty list.
func (s *SavedCartStore) Load(ctx context.Context, projectID string) (carts []retry.SavedCart, err error) {
	ctx, end := database.TraceQuery(ctx, "LoadSavedCarts", selectCartsSQL)
	defer func() { end(err) }()

	var data []byte
	if err := s.db.QueryRow(ctx, selectCartsSQL, projectID).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return []retry.SavedCart{}, nil
		}
		return nil, fmt.Errorf("select saved carts: %w", err)
	}

	if err := json.Unmarshal(data, &carts); err != nil {
		return nil, fmt.Errorf("unmarshal saved carts: %w", err)
	}
	return carts, nil
}

// Save replaces the saved carts of a project. An empty list deletes the row.
func (s *SavedCartStore) Save(ctx context.Context, projectID string, carts []retry.SavedCart) (err error) {
	if len(carts) == 0 {
		ctx, end := database.TraceQuery(ctx, "DeleteSavedCarts", deleteCartsSQL)
		defer func() { end(err) }()

		if _, err := s.db.Exec(ctx, deleteCartsSQL, projectID); err != nil {
			return fmt.Errorf("delete saved carts: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(carts)
	if err != nil {
		return fmt.Errorf("marshal saved carts: %w", err)
	}

	ctx, end := database.TraceQuery(ctx, "SaveSavedCarts", upsertCartsSQL)
	defer func() { end(err) }()

	if _, err := s.db.Exec(ctx, upsertCartsSQL, projectID, data); err != nil {
		return fmt.Errorf("upsert saved carts: %w", err)
	}
	return nil
}

// Projects returns every project that has saved carts.
func (s *SavedCartStore) Projects(ctx context.Context) (projects []string, err error) {
	ctx, end := database.TraceQuery(ctx, "ListSavedCartProjects", selectProjectsSQL)
	defer func() { end(err) }()

	rows, err := s.db.Query(ctx, selectProjectsSQL)
	if err != nil {
		return nil, fmt.Errorf("select saved cart projects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan saved cart project: %w", err)
		}
		projects = append(projects, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saved cart projects: %w", err)
	}
	return projects, nil
}
