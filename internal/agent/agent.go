// Package agent holds the agent registry. Agents are registered by their
// hosting gateway on connect, marked online while the gateway holds the
// registration, and flipped offline in bulk when the gateway drops.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the agent package.
var ErrNotFound = errors.New("agent not found")

// Connection types. CLI agents run interactively behind a gateway process;
// API agents are invoked per message and never participate in broadcast
// routing.
const (
	ConnectionCLI = "cli"
	ConnectionAPI = "api"
)

// Visibility scopes.
const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// Agent holds the fields read from the database.
type Agent struct {
	ID               uuid.UUID
	AgentType        string
	Name             string
	WorkingDirectory string
	OwnerUserID      uuid.UUID
	ConnectionType   string
	Capabilities     []string
	Visibility       string
	GatewayID        *string
	Online           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RegisterParams groups the inputs for registering an agent. The ID is chosen
// by the gateway so re-registration after a reconnect is an upsert.
type RegisterParams struct {
	ID               uuid.UUID
	AgentType        string
	Name             string
	WorkingDirectory string
	OwnerUserID      uuid.UUID
	ConnectionType   string
	Capabilities     []string
	Visibility       string
	GatewayID        string
}

// Gateway is one gateway connection record, keyed by (ID, OwnerUserID).
type Gateway struct {
	ID             string
	OwnerUserID    uuid.UUID
	Platform       string
	Hostname       string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
}

// Repository defines the data-access contract for agents and gateways.
type Repository interface {
	// Register upserts an agent and marks it online.
	Register(ctx context.Context, params RegisterParams) (*Agent, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Agent, error)

	// ListVisible returns agents the user may route to: their own plus
	// public ones.
	ListVisible(ctx context.Context, userID uuid.UUID) ([]Agent, error)

	// ListByIDs returns the agents for the given IDs, skipping unknown ones.
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]Agent, error)

	SetOnline(ctx context.Context, id uuid.UUID, online bool) error

	// SetOfflineByGateway flips every agent registered by the gateway
	// offline and returns the affected agent IDs for presence fan-out.
	SetOfflineByGateway(ctx context.Context, gatewayID string) ([]uuid.UUID, error)

	Delete(ctx context.Context, id uuid.UUID) error

	// RecordGatewayConnect upserts a gateway session row on connect.
	RecordGatewayConnect(ctx context.Context, id string, ownerUserID uuid.UUID, platform, hostname string) error

	// RecordGatewayDisconnect stamps the disconnect time.
	RecordGatewayDisconnect(ctx context.Context, id string, ownerUserID uuid.UUID) error
}
