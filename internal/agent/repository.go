package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `id, agent_type, name, working_directory, owner_user_id, connection_type,
capabilities, visibility, gateway_id, online, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed agent repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Register upserts an agent by ID and marks it online. Ownership never moves
// on re-registration: the row keeps its original owner_user_id.
func (r *PGRepository) Register(ctx context.Context, params RegisterParams) (*Agent, error) {
	caps := params.Capabilities
	if caps == nil {
		caps = []string{}
	}
	row := r.db.QueryRow(ctx,
		`INSERT INTO agents (id, agent_type, name, working_directory, owner_user_id, connection_type,
		                     capabilities, visibility, gateway_id, online)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
		 ON CONFLICT (id) DO UPDATE SET
		   agent_type = EXCLUDED.agent_type,
		   name = EXCLUDED.name,
		   working_directory = EXCLUDED.working_directory,
		   connection_type = EXCLUDED.connection_type,
		   capabilities = EXCLUDED.capabilities,
		   visibility = EXCLUDED.visibility,
		   gateway_id = EXCLUDED.gateway_id,
		   online = TRUE,
		   updated_at = NOW()
		 RETURNING `+selectColumns,
		params.ID, params.AgentType, params.Name, params.WorkingDirectory, params.OwnerUserID,
		params.ConnectionType, caps, params.Visibility, params.GatewayID,
	)
	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	return a, nil
}

// GetByID returns a single agent by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Agent, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM agents WHERE id = $1", id)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query agent by id: %w", err)
	}
	return a, nil
}

// ListVisible returns the user's own agents plus public ones.
func (r *PGRepository) ListVisible(ctx context.Context, userID uuid.UUID) ([]Agent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM agents
		 WHERE owner_user_id = $1 OR visibility = $2
		 ORDER BY name`,
		userID, VisibilityPublic,
	)
	if err != nil {
		return nil, fmt.Errorf("query visible agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// ListByIDs returns agents for the given IDs. Unknown IDs are skipped.
func (r *PGRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]Agent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM agents WHERE id = ANY($1)", ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query agents by ids: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// SetOnline updates a single agent's online flag.
func (r *PGRepository) SetOnline(ctx context.Context, id uuid.UUID, online bool) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE agents SET online = $1, updated_at = NOW() WHERE id = $2", online, id,
	)
	if err != nil {
		return fmt.Errorf("set agent online: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOfflineByGateway flips every agent held by the gateway offline.
func (r *PGRepository) SetOfflineByGateway(ctx context.Context, gatewayID string) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE agents SET online = FALSE, updated_at = NOW()
		 WHERE gateway_id = $1 AND online = TRUE
		 RETURNING id`,
		gatewayID,
	)
	if err != nil {
		return nil, fmt.Errorf("set agents offline for gateway: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent ids: %w", err)
	}
	return ids, nil
}

// Delete removes an agent.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM agents WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordGatewayConnect upserts the gateway session row and clears any stale
// disconnect stamp.
func (r *PGRepository) RecordGatewayConnect(ctx context.Context, id string, ownerUserID uuid.UUID, platform, hostname string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO gateways (id, owner_user_id, platform, hostname, connected_at, disconnected_at)
		 VALUES ($1, $2, $3, $4, NOW(), NULL)
		 ON CONFLICT (id, owner_user_id) DO UPDATE SET
		   platform = EXCLUDED.platform,
		   hostname = EXCLUDED.hostname,
		   connected_at = NOW(),
		   disconnected_at = NULL`,
		id, ownerUserID, platform, hostname,
	)
	if err != nil {
		return fmt.Errorf("record gateway connect: %w", err)
	}
	return nil
}

// RecordGatewayDisconnect stamps the disconnect time.
func (r *PGRepository) RecordGatewayDisconnect(ctx context.Context, id string, ownerUserID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		"UPDATE gateways SET disconnected_at = NOW() WHERE id = $1 AND owner_user_id = $2",
		id, ownerUserID,
	)
	if err != nil {
		return fmt.Errorf("record gateway disconnect: %w", err)
	}
	return nil
}

func collectAgents(rows pgx.Rows) ([]Agent, error) {
	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID, &a.AgentType, &a.Name, &a.WorkingDirectory, &a.OwnerUserID, &a.ConnectionType,
		&a.Capabilities, &a.Visibility, &a.GatewayID, &a.Online, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
