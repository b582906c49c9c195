package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `id, name, scope, llm_base_url, llm_api_key_enc, llm_model, max_chain_depth,
rate_limit_window, rate_limit_max, visibility, visibility_users, created_by, created_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed router repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a router configuration.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Router, error) {
	users := params.VisibilityUsers
	if users == nil {
		users = []string{}
	}
	row := r.db.QueryRow(ctx,
		`INSERT INTO routers (name, scope, llm_base_url, llm_api_key_enc, llm_model, max_chain_depth,
		                      rate_limit_window, rate_limit_max, visibility, visibility_users, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+selectColumns,
		params.Name, params.Scope, params.LLMBaseURL, params.LLMAPIKeyEnc, params.LLMModel,
		params.MaxChainDepth, params.RateLimitWindow, params.RateLimitMax,
		params.Visibility, users, params.CreatedBy,
	)
	rt, err := scanRouter(row)
	if err != nil {
		return nil, fmt.Errorf("insert router: %w", err)
	}
	return rt, nil
}

// GetByID returns a single router by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Router, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM routers WHERE id = $1", id)
	rt, err := scanRouter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query router by id: %w", err)
	}
	return rt, nil
}

// ListVisible returns routers the user created or may use.
func (r *PGRepository) ListVisible(ctx context.Context, userID uuid.UUID) ([]Router, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM routers
		 WHERE created_by = $1 OR visibility = $2 OR visibility_users ? $3
		 ORDER BY name`,
		userID, VisibilityAll, userID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query visible routers: %w", err)
	}
	defer rows.Close()

	var routers []Router
	for rows.Next() {
		rt, err := scanRouter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan router: %w", err)
		}
		routers = append(routers, *rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routers: %w", err)
	}
	return routers, nil
}

// Delete removes a router owned by createdBy. Rooms referencing it fall back
// to no router via the schema.
func (r *PGRepository) Delete(ctx context.Context, id, createdBy uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM routers WHERE id = $1 AND created_by = $2", id, createdBy,
	)
	if err != nil {
		return fmt.Errorf("delete router: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRouter(row pgx.Row) (*Router, error) {
	var rt Router
	err := row.Scan(
		&rt.ID, &rt.Name, &rt.Scope, &rt.LLMBaseURL, &rt.LLMAPIKeyEnc, &rt.LLMModel,
		&rt.MaxChainDepth, &rt.RateLimitWindow, &rt.RateLimitMax,
		&rt.Visibility, &rt.VisibilityUsers, &rt.CreatedBy, &rt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rt, nil
}
