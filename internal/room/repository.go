package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/agentim-chat/agentim/internal/postgres"
)

const selectColumns = "id, name, created_by, broadcast_mode, system_prompt, router_id, created_at, updated_at"

// querier is satisfied by both the pool and an open transaction, so the read
// paths can run standalone or inside a caller's transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed room repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a room and adds the creator as its first user member in the
// same transaction.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Room, error) {
	var room Room
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO rooms (name, created_by, broadcast_mode, system_prompt, router_id)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING `+selectColumns,
			params.Name, params.CreatedBy, params.BroadcastMode, params.SystemPrompt, params.RouterID,
		)
		if err := scanRoom(row, &room); err != nil {
			return fmt.Errorf("insert room: %w", err)
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO room_members (room_id, member_id, member_type, display_name)
			 SELECT $1, id, $2, username FROM users WHERE id = $3`,
			room.ID, MemberTypeUser, params.CreatedBy,
		)
		if err != nil {
			return fmt.Errorf("add creator member: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// GetByID returns a single room by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Room, error) {
	return getByID(ctx, r.db, id)
}

// GetByIDInTx is GetByID inside an open transaction.
func (r *PGRepository) GetByIDInTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Room, error) {
	return getByID(ctx, tx, id)
}

func getByID(ctx context.Context, q querier, id uuid.UUID) (*Room, error) {
	var room Room
	row := q.QueryRow(ctx, "SELECT "+selectColumns+" FROM rooms WHERE id = $1", id)
	if err := scanRoom(row, &room); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query room by id: %w", err)
	}
	return &room, nil
}

// Update applies the non-nil fields of params and returns the updated room.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Room, error) {
	var room Room
	row := r.db.QueryRow(ctx,
		`UPDATE rooms SET
		   name = COALESCE($1, name),
		   broadcast_mode = COALESCE($2, broadcast_mode),
		   system_prompt = COALESCE($3, system_prompt),
		   router_id = CASE WHEN $5 THEN NULL ELSE COALESCE($4, router_id) END,
		   updated_at = NOW()
		 WHERE id = $6
		 RETURNING `+selectColumns,
		params.Name, params.BroadcastMode, params.SystemPrompt, params.RouterID, params.ClearRouter, id,
	)
	if err := scanRoom(row, &room); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update room: %w", err)
	}
	return &room, nil
}

// Delete removes a room. Members cascade via the schema.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM rooms WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForMember returns rooms where the member appears in the member table,
// plus rooms the member created, ordered by creation time.
func (r *PGRepository) ListForMember(ctx context.Context, memberID uuid.UUID) ([]Room, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT r.id, r.name, r.created_by, r.broadcast_mode, r.system_prompt, r.router_id,
		        r.created_at, r.updated_at
		 FROM rooms r
		 LEFT JOIN room_members m ON m.room_id = r.id
		 WHERE r.created_by = $1 OR m.member_id = $1
		 ORDER BY r.created_at`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("query rooms for member: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := scanRoom(rows, &room); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

// AddMember adds a user or agent to a room.
func (r *PGRepository) AddMember(ctx context.Context, roomID, memberID uuid.UUID, memberType, displayName string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO room_members (room_id, member_id, member_type, display_name)
		 VALUES ($1, $2, $3, $4)`,
		roomID, memberID, memberType, displayName,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrAlreadyMember
		}
		if postgres.IsForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("add room member: %w", err)
	}
	return nil
}

// RemoveMember removes a user or agent from a room.
func (r *PGRepository) RemoveMember(ctx context.Context, roomID, memberID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM room_members WHERE room_id = $1 AND member_id = $2", roomID, memberID,
	)
	if err != nil {
		return fmt.Errorf("remove room member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// ListMembers returns all members of a room ordered by join time.
func (r *PGRepository) ListMembers(ctx context.Context, roomID uuid.UUID) ([]Member, error) {
	return listMembers(ctx, r.db, roomID)
}

// ListMembersInTx is ListMembers inside an open transaction.
func (r *PGRepository) ListMembersInTx(ctx context.Context, tx pgx.Tx, roomID uuid.UUID) ([]Member, error) {
	return listMembers(ctx, tx, roomID)
}

func listMembers(ctx context.Context, q querier, roomID uuid.UUID) ([]Member, error) {
	rows, err := q.Query(ctx,
		`SELECT room_id, member_id, member_type, display_name, added_at
		 FROM room_members WHERE room_id = $1 ORDER BY added_at`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("query room members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.RoomID, &m.MemberID, &m.MemberType, &m.DisplayName, &m.AddedAt); err != nil {
			return nil, fmt.Errorf("scan room member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room members: %w", err)
	}
	return members, nil
}

// IsMember reports whether memberID belongs to the room, counting the creator
// as an implicit member.
func (r *PGRepository) IsMember(ctx context.Context, roomID, memberID uuid.UUID) (bool, error) {
	return isMember(ctx, r.db, roomID, memberID)
}

// IsMemberInTx is IsMember inside an open transaction.
func (r *PGRepository) IsMemberInTx(ctx context.Context, tx pgx.Tx, roomID, memberID uuid.UUID) (bool, error) {
	return isMember(ctx, tx, roomID, memberID)
}

func isMember(ctx context.Context, q querier, roomID, memberID uuid.UUID) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM room_members WHERE room_id = $1 AND member_id = $2
		   UNION
		   SELECT 1 FROM rooms WHERE id = $1 AND created_by = $2
		 )`,
		roomID, memberID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check room membership: %w", err)
	}
	return ok, nil
}

func scanRoom(row pgx.Row, room *Room) error {
	return row.Scan(
		&room.ID, &room.Name, &room.CreatedBy, &room.BroadcastMode, &room.SystemPrompt,
		&room.RouterID, &room.CreatedAt, &room.UpdatedAt,
	)
}
