package routing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/agentim-chat/agentim/internal/agent"
	"github.com/agentim-chat/agentim/internal/attachment"
	"github.com/agentim-chat/agentim/internal/message"
	"github.com/agentim-chat/agentim/internal/postgres"
	"github.com/agentim-chat/agentim/internal/room"
	"github.com/agentim-chat/agentim/internal/router"
)

// Routing modes carried on frames delivered to agents.
const (
	ModeDirect    = "direct"
	ModeBroadcast = "broadcast"
	ModeNone      = "none"
)

// Selector abstracts the router LLM client.
type Selector interface {
	SelectAgents(ctx context.Context, rt *router.Router, apiKey, roomPrompt, content string, candidates []router.Candidate) []uuid.UUID
}

// RoomStore is the subset of the room repository the pipeline needs. The
// reads run inside the insert transaction, so the membership check and the
// message commit see one consistent snapshot.
type RoomStore interface {
	GetByIDInTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*room.Room, error)
	IsMemberInTx(ctx context.Context, tx pgx.Tx, roomID, memberID uuid.UUID) (bool, error)
	ListMembersInTx(ctx context.Context, tx pgx.Tx, roomID uuid.UUID) ([]room.Member, error)
}

// Config carries the engine's tunables.
type Config struct {
	// EncryptionKey decrypts stored router API keys; empty disables routers
	// that carry a key.
	EncryptionKey string

	// MaxChainDepth caps agent-to-agent routing when a room's router does
	// not set its own limit.
	MaxChainDepth int

	// MaxMessageLength bounds message content in runes.
	MaxMessageLength int

	// MaxAttachments caps attachment IDs on a single message.
	MaxAttachments int
}

// SendParams groups the inputs for one inbound message.
type SendParams struct {
	MessageID     uuid.UUID
	RoomID        uuid.UUID
	SenderID      uuid.UUID
	SenderType    string
	SenderName    string
	Type          string
	Content       string
	ReplyToID     *uuid.UUID
	AttachmentIDs []uuid.UUID

	// Depth counts agent-to-agent hops. Human messages send 0.
	Depth int
}

// Result is the outcome of a processed message: the persisted row, its linked
// attachments, and the routing decision for agent delivery.
type Result struct {
	Message     *message.Message
	Attachments []attachment.Attachment
	Decision    Decision
}

// Decision names the agents that should receive the message. A fresh
// ConversationID is minted per decision so an agent can correlate the
// follow-up stream.
type Decision struct {
	Mode           string
	Targets        []agent.Agent
	ConversationID string
	Depth          int
}

// Engine runs the message pipeline.
type Engine struct {
	db       *pgxpool.Pool
	rooms    RoomStore
	messages message.Repository
	atts     attachment.Repository
	agents   agent.Repository
	routers  router.Repository
	selector Selector
	cfg      Config
	log      zerolog.Logger

	// runTx opens the pipeline transaction. A field so tests can substitute
	// the pool.
	runTx func(ctx context.Context, fn func(pgx.Tx) error) error
}

// NewEngine creates a routing engine.
// DefaultMaxMessageLength bounds message content when the config does not.
const DefaultMaxMessageLength = 16000

func NewEngine(db *pgxpool.Pool, rooms RoomStore, messages message.Repository, atts attachment.Repository, agents agent.Repository, routers router.Repository, selector Selector, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	return &Engine{
		db:       db,
		rooms:    rooms,
		messages: messages,
		atts:     atts,
		agents:   agents,
		routers:  routers,
		selector: selector,
		cfg:      cfg,
		log:      logger.With().Str("component", "routing").Logger(),
		runTx: func(ctx context.Context, fn func(pgx.Tx) error) error {
			return postgres.WithTx(ctx, db, fn)
		},
	}
}

// Send validates, persists and routes one message. The room fetch, the
// membership check, the message insert and the attachment linking share one
// transaction, so a concurrent member removal cannot slip a message into a
// room the sender just left; routing only happens after the commit, so a
// crashed routing step can never lose an accepted message.
func (e *Engine) Send(ctx context.Context, params SendParams) (*Result, error) {
	content, err := message.ValidateContent(params.Content, e.cfg.MaxMessageLength)
	if err != nil {
		return nil, err
	}
	content = SanitizeContent(content)
	if content == "" {
		return nil, message.ErrEmptyContent
	}
	if e.cfg.MaxAttachments > 0 && len(params.AttachmentIDs) > e.cfg.MaxAttachments {
		return nil, attachment.ErrTooMany
	}

	var (
		rm          *room.Room
		msg         *message.Message
		linked      []attachment.Attachment
		mentions    []string
		agentByName map[string]uuid.UUID
	)
	err = e.runTx(ctx, func(tx pgx.Tx) error {
		var txErr error
		rm, txErr = e.rooms.GetByIDInTx(ctx, tx, params.RoomID)
		if txErr != nil {
			return txErr
		}

		isMember, txErr := e.rooms.IsMemberInTx(ctx, tx, rm.ID, params.SenderID)
		if txErr != nil {
			return txErr
		}
		if !isMember {
			return room.ErrNotMember
		}

		members, txErr := e.rooms.ListMembersInTx(ctx, tx, rm.ID)
		if txErr != nil {
			return txErr
		}

		agentNames := make([]string, 0, len(members))
		agentByName = make(map[string]uuid.UUID)
		for _, m := range members {
			if m.MemberType == room.MemberTypeAgent {
				agentNames = append(agentNames, m.DisplayName)
				agentByName[m.DisplayName] = m.MemberID
			}
		}
		mentions = ParseMentions(content, agentNames)

		msg, txErr = e.messages.CreateInTx(ctx, tx, message.CreateParams{
			ID:         params.MessageID,
			RoomID:     rm.ID,
			SenderID:   params.SenderID,
			SenderType: params.SenderType,
			SenderName: params.SenderName,
			Type:       params.Type,
			Content:    content,
			Mentions:   mentions,
			ReplyToID:  params.ReplyToID,
		})
		if txErr != nil {
			return txErr
		}
		linked, txErr = e.atts.LinkInTx(ctx, tx, params.AttachmentIDs, msg.ID, params.SenderID)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	decision := e.route(ctx, rm, msg, mentions, agentByName, params.Depth)
	return &Result{Message: msg, Attachments: linked, Decision: decision}, nil
}

// route applies the decision matrix: mentions beat broadcast, broadcast
// requires a router, and anything else routes to nobody.
func (e *Engine) route(ctx context.Context, rm *room.Room, msg *message.Message, mentions []string, agentByName map[string]uuid.UUID, depth int) Decision {
	none := Decision{Mode: ModeNone, Depth: depth}

	// System messages (status placeholders and the like) inform the room;
	// they never route to agents.
	if msg.Type == message.TypeSystem {
		return none
	}

	maxDepth := e.cfg.MaxChainDepth
	if msg.SenderType == room.MemberTypeAgent && depth >= maxDepth {
		e.log.Warn().Str("room", rm.ID.String()).Int("depth", depth).
			Msg("Agent chain depth limit reached, routing to nobody")
		return none
	}

	if len(mentions) > 0 {
		ids := make([]uuid.UUID, 0, len(mentions))
		for _, name := range mentions {
			if id, ok := agentByName[name]; ok {
				ids = append(ids, id)
			}
		}
		targets := e.onlineAgents(ctx, ids, msg.SenderID)
		if len(targets) == 0 {
			return none
		}
		return Decision{Mode: ModeDirect, Targets: targets, ConversationID: uuid.NewString(), Depth: depth}
	}

	if !rm.BroadcastMode || rm.RouterID == nil {
		return none
	}

	rt, err := e.routers.GetByID(ctx, *rm.RouterID)
	if err != nil {
		e.log.Warn().Err(err).Str("room", rm.ID.String()).Msg("Room router unavailable, routing to nobody")
		return none
	}

	var apiKey string
	if rt.LLMAPIKeyEnc != "" {
		if e.cfg.EncryptionKey == "" {
			e.log.Warn().Str("router", rt.ID.String()).Msg("Router has an API key but no decryption key is configured, routing to nobody")
			return none
		}
		apiKey, err = router.DecryptAPIKey(rt.LLMAPIKeyEnc, e.cfg.EncryptionKey)
		if err != nil {
			e.log.Error().Err(err).Str("router", rt.ID.String()).Msg("Router API key decryption failed, routing to nobody")
			return none
		}
	}

	ids := make([]uuid.UUID, 0, len(agentByName))
	for _, id := range agentByName {
		ids = append(ids, id)
	}
	candidates := e.broadcastCandidates(ctx, ids, msg.SenderID)
	if len(candidates) == 0 {
		return none
	}

	selected := e.selector.SelectAgents(ctx, rt, apiKey, rm.SystemPrompt, msg.Content, candidates)
	if len(selected) == 0 {
		return none
	}

	targets := e.onlineAgents(ctx, selected, msg.SenderID)
	if len(targets) == 0 {
		return none
	}
	return Decision{Mode: ModeBroadcast, Targets: targets, ConversationID: uuid.NewString(), Depth: depth}
}

// onlineAgents filters ids down to online agents, excluding the sender so an
// agent never receives its own message back.
func (e *Engine) onlineAgents(ctx context.Context, ids []uuid.UUID, senderID uuid.UUID) []agent.Agent {
	agents, err := e.agents.ListByIDs(ctx, ids)
	if err != nil {
		e.log.Error().Err(err).Msg("Agent lookup failed, routing to nobody")
		return nil
	}
	out := agents[:0]
	for _, a := range agents {
		if a.Online && a.ID != senderID {
			out = append(out, a)
		}
	}
	return out
}

// broadcastCandidates returns online CLI agents as router candidates. API
// agents are invoked per request and never sit in a broadcast pool.
func (e *Engine) broadcastCandidates(ctx context.Context, ids []uuid.UUID, senderID uuid.UUID) []router.Candidate {
	var candidates []router.Candidate
	for _, a := range e.onlineAgents(ctx, ids, senderID) {
		if a.ConnectionType == agent.ConnectionAPI {
			continue
		}
		candidates = append(candidates, router.Candidate{
			ID:           a.ID,
			Name:         a.Name,
			AgentType:    a.AgentType,
			Capabilities: a.Capabilities,
		})
	}
	return candidates
}

// IsSendRejection reports whether err is a caller fault (bad content, not a
// member, duplicate ID) as opposed to an internal failure.
func IsSendRejection(err error) bool {
	return errors.Is(err, message.ErrEmptyContent) ||
		errors.Is(err, message.ErrContentTooLong) ||
		errors.Is(err, message.ErrDuplicateID) ||
		errors.Is(err, room.ErrNotFound) ||
		errors.Is(err, room.ErrNotMember) ||
		errors.Is(err, attachment.ErrNotFound) ||
		errors.Is(err, attachment.ErrTooMany)
}
