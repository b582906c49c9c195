package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/agentim-chat/agentim/internal/agent"
	"github.com/agentim-chat/agentim/internal/attachment"
	"github.com/agentim-chat/agentim/internal/auth"
	"github.com/agentim-chat/agentim/internal/config"
	"github.com/agentim-chat/agentim/internal/message"
	"github.com/agentim-chat/agentim/internal/presence"
	"github.com/agentim-chat/agentim/internal/protocol"
	"github.com/agentim-chat/agentim/internal/ratelimit"
	"github.com/agentim-chat/agentim/internal/room"
	"github.com/agentim-chat/agentim/internal/routing"
	"github.com/agentim-chat/agentim/internal/user"
)

// --- Fakes ---

type fakeUsers struct {
	users map[uuid.UUID]*user.User
}

func (f *fakeUsers) Create(context.Context, user.CreateParams) (*user.User, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*user.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, user.ErrNotFound
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (*user.User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, user.ErrNotFound
}

func (f *fakeUsers) Count(context.Context) (int, error) {
	return len(f.users), nil
}

type fakeRooms struct {
	rooms   map[uuid.UUID]*room.Room
	members map[uuid.UUID][]room.Member
}

func (f *fakeRooms) Create(context.Context, room.CreateParams) (*room.Room, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRooms) GetByID(_ context.Context, id uuid.UUID) (*room.Room, error) {
	if rm, ok := f.rooms[id]; ok {
		return rm, nil
	}
	return nil, room.ErrNotFound
}

func (f *fakeRooms) Update(context.Context, uuid.UUID, room.UpdateParams) (*room.Room, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRooms) Delete(context.Context, uuid.UUID) error {
	return errors.New("not implemented")
}

func (f *fakeRooms) ListForMember(_ context.Context, memberID uuid.UUID) ([]room.Room, error) {
	var out []room.Room
	for id, rm := range f.rooms {
		if rm.CreatedBy == memberID {
			out = append(out, *rm)
			continue
		}
		for _, m := range f.members[id] {
			if m.MemberID == memberID {
				out = append(out, *rm)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeRooms) AddMember(_ context.Context, roomID, memberID uuid.UUID, memberType, displayName string) error {
	f.members[roomID] = append(f.members[roomID], room.Member{
		RoomID: roomID, MemberID: memberID, MemberType: memberType, DisplayName: displayName,
	})
	return nil
}

func (f *fakeRooms) RemoveMember(context.Context, uuid.UUID, uuid.UUID) error {
	return errors.New("not implemented")
}

func (f *fakeRooms) ListMembers(_ context.Context, roomID uuid.UUID) ([]room.Member, error) {
	return f.members[roomID], nil
}

func (f *fakeRooms) IsMember(_ context.Context, roomID, memberID uuid.UUID) (bool, error) {
	if rm, ok := f.rooms[roomID]; ok && rm.CreatedBy == memberID {
		return true, nil
	}
	for _, m := range f.members[roomID] {
		if m.MemberID == memberID {
			return true, nil
		}
	}
	return false, nil
}

type fakeMessages struct {
	recent []message.Message
	stored map[uuid.UUID]*message.Message
}

func (f *fakeMessages) CreateInTx(context.Context, pgx.Tx, message.CreateParams) (*message.Message, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeMessages) GetByID(context.Context, uuid.UUID) (*message.Message, error) {
	return nil, message.ErrNotFound
}

func (f *fakeMessages) List(context.Context, uuid.UUID, *uuid.UUID, int) ([]message.Message, error) {
	return nil, nil
}

func (f *fakeMessages) Recent(context.Context, uuid.UUID, int) ([]message.Message, error) {
	return f.recent, nil
}

func (f *fakeMessages) Update(_ context.Context, id, senderID uuid.UUID, content string) (*message.Message, error) {
	msg, ok := f.stored[id]
	if !ok || msg.Deleted {
		return nil, message.ErrNotFound
	}
	if msg.SenderID != senderID {
		return nil, message.ErrNotSender
	}
	msg.Content = content
	now := time.Now()
	msg.EditedAt = &now
	cp := *msg
	return &cp, nil
}

func (f *fakeMessages) SoftDelete(_ context.Context, id, senderID uuid.UUID) error {
	msg, ok := f.stored[id]
	if !ok || msg.Deleted {
		return message.ErrNotFound
	}
	if msg.SenderID != senderID {
		return message.ErrNotSender
	}
	msg.Deleted = true
	return nil
}

type fakeAttachments struct{}

func (f *fakeAttachments) Create(context.Context, attachment.CreateParams) (*attachment.Attachment, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAttachments) GetByID(context.Context, uuid.UUID) (*attachment.Attachment, error) {
	return nil, attachment.ErrNotFound
}

func (f *fakeAttachments) LinkInTx(context.Context, pgx.Tx, []uuid.UUID, uuid.UUID, uuid.UUID) ([]attachment.Attachment, error) {
	return nil, nil
}

func (f *fakeAttachments) ListByMessage(context.Context, uuid.UUID) ([]attachment.Attachment, error) {
	return nil, nil
}

func (f *fakeAttachments) PurgeOrphans(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

type fakeAgents struct {
	agents map[uuid.UUID]*agent.Agent
}

func (f *fakeAgents) Register(_ context.Context, params agent.RegisterParams) (*agent.Agent, error) {
	a := &agent.Agent{
		ID:             params.ID,
		AgentType:      params.AgentType,
		Name:           params.Name,
		OwnerUserID:    params.OwnerUserID,
		ConnectionType: params.ConnectionType,
		Capabilities:   params.Capabilities,
		Visibility:     params.Visibility,
		GatewayID:      &params.GatewayID,
		Online:         true,
	}
	f.agents[params.ID] = a
	return a, nil
}

func (f *fakeAgents) GetByID(_ context.Context, id uuid.UUID) (*agent.Agent, error) {
	if a, ok := f.agents[id]; ok {
		return a, nil
	}
	return nil, agent.ErrNotFound
}

func (f *fakeAgents) ListVisible(context.Context, uuid.UUID) ([]agent.Agent, error) {
	return nil, nil
}

func (f *fakeAgents) ListByIDs(_ context.Context, ids []uuid.UUID) ([]agent.Agent, error) {
	var out []agent.Agent
	for _, id := range ids {
		if a, ok := f.agents[id]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAgents) SetOnline(_ context.Context, id uuid.UUID, online bool) error {
	if a, ok := f.agents[id]; ok {
		a.Online = online
	}
	return nil
}

func (f *fakeAgents) SetOfflineByGateway(_ context.Context, gatewayID string) ([]uuid.UUID, error) {
	var affected []uuid.UUID
	for id, a := range f.agents {
		if a.GatewayID != nil && *a.GatewayID == gatewayID && a.Online {
			a.Online = false
			affected = append(affected, id)
		}
	}
	return affected, nil
}

func (f *fakeAgents) Delete(context.Context, uuid.UUID) error { return nil }

func (f *fakeAgents) RecordGatewayConnect(context.Context, string, uuid.UUID, string, string) error {
	return nil
}

func (f *fakeAgents) RecordGatewayDisconnect(context.Context, string, uuid.UUID) error {
	return nil
}

type fakeSender struct {
	res  *routing.Result
	err  error
	sent []routing.SendParams
}

func (f *fakeSender) Send(_ context.Context, params routing.SendParams) (*routing.Result, error) {
	f.sent = append(f.sent, params)
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

// --- Fixture ---

type fixture struct {
	hub    *Hub
	users  *fakeUsers
	rooms  *fakeRooms
	agents *fakeAgents
	sender *fakeSender
	msgs   *fakeMessages
	rdb    *redis.Client
	mr     *miniredis.Miniredis
}

func testConfig() *config.Config {
	return &config.Config{
		ServerURL:                 "https://chat.test.example",
		JWTSecret:                 strings.Repeat("s", 32),
		HeartbeatInterval:         30 * time.Second,
		WSAuthTimeout:             10 * time.Second,
		MaxMessageSize:            64 * 1024,
		MaxJSONDepth:              10,
		MaxConnsPerUser:           2,
		MaxGatewayConns:           4,
		SendBufferSize:            16,
		ShutdownTimeout:           200 * time.Millisecond,
		RoomContextMessages:       50,
		RateLimitMessageMax:       10,
		RateLimitMessageWindowSec: 60,
		RateLimitAgentMax:         10,
		RateLimitAgentWindowSec:   60,
	}
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	limiter := ratelimit.New(nil, zerolog.Nop())
	t.Cleanup(limiter.Close)

	f := &fixture{
		users:  &fakeUsers{users: make(map[uuid.UUID]*user.User)},
		rooms:  &fakeRooms{rooms: make(map[uuid.UUID]*room.Room), members: make(map[uuid.UUID][]room.Member)},
		agents: &fakeAgents{agents: make(map[uuid.UUID]*agent.Agent)},
		sender: &fakeSender{},
		msgs:   &fakeMessages{stored: make(map[uuid.UUID]*message.Message)},
		rdb:    rdb,
		mr:     mr,
	}
	f.hub = NewHub(
		cfg, nil, limiter, presence.NewStore(rdb, time.Second), f.sender,
		f.users, f.rooms, f.msgs, &fakeAttachments{}, f.agents, nil, zerolog.Nop(),
	)
	return f
}

// addClientConn registers an authenticated client connection directly in the
// tables, bypassing the auth handshake.
func (f *fixture) addClientConn(userID uuid.UUID, username string) *conn {
	c := newConn(f.hub, nil, zerolog.Nop())
	c.setAuthed(userID, username, "")
	f.hub.tables.addClient(c)
	return c
}

func (f *fixture) addGatewayConn(userID uuid.UUID, gatewayID string) *conn {
	c := newConn(f.hub, nil, zerolog.Nop())
	c.setAuthed(userID, "owner", gatewayID)
	f.hub.tables.addGateway(c)
	return c
}

func recvFrame(t *testing.T, c *conn) map[string]any {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed before a frame arrived")
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}
	return nil
}

func expectNoFrame(t *testing.T, c *conn) {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected frame: %s", raw)
		}
	default:
	}
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

// --- Client auth ---

func TestClientAuthSuccess(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	f := newFixture(t, cfg)

	userID := uuid.New()
	f.users.users[userID] = &user.User{ID: userID, Username: "alice"}

	token, err := auth.NewAccessToken(userID, cfg.JWTSecret, time.Minute, cfg.ServerURL)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	c := newConn(f.hub, nil, zerolog.Nop())
	f.hub.handleClientAuth(c, mustMarshal(t, protocol.ClientAuth{Type: protocol.TypeClientAuth, Token: token}))

	frame := recvFrame(t, c)
	if frame["type"] != protocol.TypeServerAuthResult || frame["ok"] != true {
		t.Fatalf("auth result = %v, want ok", frame)
	}
	if frame["userId"] != userID.String() {
		t.Errorf("auth result userId = %v, want %s", frame["userId"], userID)
	}
	if !c.IsAuthed() {
		t.Error("connection not marked authenticated")
	}
	if got := f.hub.tables.countUserConns(userID); got != 1 {
		t.Errorf("countUserConns = %d, want 1", got)
	}

	online, err := f.hub.presence.Online(context.Background(), userID)
	if err != nil || !online {
		t.Errorf("presence online = %v, %v, want true", online, err)
	}
}

func TestClientAuthRejectsBadToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	c := newConn(f.hub, nil, zerolog.Nop())
	f.hub.handleClientAuth(c, mustMarshal(t, protocol.ClientAuth{Type: protocol.TypeClientAuth, Token: "garbage"}))

	frame := recvFrame(t, c)
	if frame["type"] != protocol.TypeServerAuthResult || frame["ok"] != false {
		t.Fatalf("auth result = %v, want failure", frame)
	}
	if c.IsAuthed() {
		t.Error("connection authenticated with a bad token")
	}
}

func TestClientAuthExpiredToken(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	f := newFixture(t, cfg)

	userID := uuid.New()
	f.users.users[userID] = &user.User{ID: userID, Username: "alice"}

	token, err := auth.NewAccessToken(userID, cfg.JWTSecret, -time.Minute, cfg.ServerURL)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	c := newConn(f.hub, nil, zerolog.Nop())
	f.hub.handleClientAuth(c, mustMarshal(t, protocol.ClientAuth{Type: protocol.TypeClientAuth, Token: token}))

	frame := recvFrame(t, c)
	if frame["ok"] != false {
		t.Fatalf("auth result = %v, want failure for expired token", frame)
	}
}

func TestClientAuthConnectionLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxConnsPerUser = 1
	f := newFixture(t, cfg)

	userID := uuid.New()
	f.users.users[userID] = &user.User{ID: userID, Username: "alice"}
	f.addClientConn(userID, "alice")

	token, err := auth.NewAccessToken(userID, cfg.JWTSecret, time.Minute, cfg.ServerURL)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	c := newConn(f.hub, nil, zerolog.Nop())
	f.hub.handleClientAuth(c, mustMarshal(t, protocol.ClientAuth{Type: protocol.TypeClientAuth, Token: token}))

	frame := recvFrame(t, c)
	if frame["ok"] != false {
		t.Fatalf("auth result = %v, want connection limit rejection", frame)
	}
}

func TestClientAuthPerUserLimitOverride(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxConnsPerUser = 1
	f := newFixture(t, cfg)

	limit := 2
	userID := uuid.New()
	f.users.users[userID] = &user.User{ID: userID, Username: "alice", ConnLimit: &limit}
	f.addClientConn(userID, "alice")

	token, err := auth.NewAccessToken(userID, cfg.JWTSecret, time.Minute, cfg.ServerURL)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	c := newConn(f.hub, nil, zerolog.Nop())
	f.hub.handleClientAuth(c, mustMarshal(t, protocol.ClientAuth{Type: protocol.TypeClientAuth, Token: token}))

	frame := recvFrame(t, c)
	if frame["ok"] != true {
		t.Fatalf("auth result = %v, want success under per-user override", frame)
	}
}

// --- Rooms ---

func TestJoinRoomReturnsContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	userID := uuid.New()
	roomID := uuid.New()
	f.rooms.rooms[roomID] = &room.Room{ID: roomID, Name: "build", CreatedBy: userID}
	f.msgs.recent = []message.Message{
		{ID: uuid.New(), RoomID: roomID, SenderID: userID, SenderName: "alice", Content: "hello"},
		{ID: uuid.New(), RoomID: roomID, SenderID: userID, SenderName: "alice", Content: "world"},
	}

	c := f.addClientConn(userID, "alice")
	f.hub.handleClientJoinRoom(c, mustMarshal(t, protocol.ClientJoinRoom{
		Type: protocol.TypeClientJoinRoom, RoomID: roomID.String(),
	}))

	frame := recvFrame(t, c)
	if frame["type"] != protocol.TypeServerRoomContext {
		t.Fatalf("frame type = %v, want room context", frame["type"])
	}
	rm := frame["room"].(map[string]any)
	if rm["name"] != "build" {
		t.Errorf("room name = %v, want build", rm["name"])
	}
	if msgs := frame["messages"].([]any); len(msgs) != 2 {
		t.Errorf("context messages = %d, want 2", len(msgs))
	}
	if conns := f.hub.tables.roomConns(roomID); len(conns) != 1 {
		t.Errorf("room subscription count = %d, want 1", len(conns))
	}
}

func TestJoinRoomDeniedForNonMember(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	roomID := uuid.New()
	f.rooms.rooms[roomID] = &room.Room{ID: roomID, Name: "private", CreatedBy: uuid.New()}

	c := f.addClientConn(uuid.New(), "mallory")
	f.hub.handleClientJoinRoom(c, mustMarshal(t, protocol.ClientJoinRoom{
		Type: protocol.TypeClientJoinRoom, RoomID: roomID.String(),
	}))

	frame := recvFrame(t, c)
	if frame["code"] != string(protocol.ErrCodeNotAMember) {
		t.Fatalf("error code = %v, want %s", frame["code"], protocol.ErrCodeNotAMember)
	}
	if conns := f.hub.tables.roomConns(roomID); len(conns) != 0 {
		t.Error("non-member was subscribed to the room")
	}
}

func TestJoinRoomUnknownRoom(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	c := f.addClientConn(uuid.New(), "alice")

	f.hub.handleClientJoinRoom(c, mustMarshal(t, protocol.ClientJoinRoom{
		Type: protocol.TypeClientJoinRoom, RoomID: uuid.NewString(),
	}))

	frame := recvFrame(t, c)
	if frame["code"] != string(protocol.ErrCodeRoomNotFound) {
		t.Fatalf("error code = %v, want %s", frame["code"], protocol.ErrCodeRoomNotFound)
	}
}

// --- Message delivery ---

func TestSendMessageDeliversToRoomAndAgents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	senderID := uuid.New()
	peerID := uuid.New()
	roomID := uuid.New()
	agentID := uuid.New()
	msgID := uuid.New()

	sender := f.addClientConn(senderID, "alice")
	peer := f.addClientConn(peerID, "bob")
	f.hub.tables.joinRoom(sender, roomID)
	f.hub.tables.joinRoom(peer, roomID)

	gw := f.addGatewayConn(uuid.New(), "gw-1")
	f.hub.tables.bindAgent(agentID, gw)

	f.sender.res = &routing.Result{
		Message: &message.Message{
			ID: msgID, RoomID: roomID, SenderID: senderID,
			SenderType: "user", SenderName: "alice", Type: message.TypeText, Content: "@builder go",
		},
		Decision: routing.Decision{
			Mode:           routing.ModeDirect,
			Targets:        []agent.Agent{{ID: agentID, Name: "builder", Online: true}},
			ConversationID: uuid.NewString(),
		},
	}

	f.hub.handleClientSendMessage(sender, mustMarshal(t, protocol.ClientSendMessage{
		Type: protocol.TypeClientSendMessage, RoomID: roomID.String(), Content: "@builder go",
	}))

	for _, c := range []*conn{sender, peer} {
		frame := recvFrame(t, c)
		if frame["type"] != protocol.TypeServerNewMessage {
			t.Fatalf("frame type = %v, want new message", frame["type"])
		}
		msg := frame["message"].(map[string]any)
		if msg["id"] != msgID.String() {
			t.Errorf("message id = %v, want %s", msg["id"], msgID)
		}
	}

	frame := recvFrame(t, gw)
	if frame["type"] != protocol.TypeServerSendToAgent {
		t.Fatalf("gateway frame type = %v, want send_to_agent", frame["type"])
	}
	if frame["agentId"] != agentID.String() {
		t.Errorf("agentId = %v, want %s", frame["agentId"], agentID)
	}
	if frame["routingMode"] != routing.ModeDirect {
		t.Errorf("routingMode = %v, want direct", frame["routingMode"])
	}

	if len(f.sender.sent) != 1 || f.sender.sent[0].Depth != 0 {
		t.Errorf("pipeline params = %+v, want one send at depth 0", f.sender.sent)
	}
	if f.sender.sent[0].MessageID == uuid.Nil {
		t.Error("pipeline received a nil message ID, want a server-minted one")
	}
}

// Clients never supply message IDs; the server mints one per send.
func TestSendMessageMintsServerSideID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	roomID := uuid.New()
	senderID := uuid.New()
	c := f.addClientConn(senderID, "alice")
	f.sender.res = &routing.Result{
		Message:  &message.Message{ID: uuid.New(), RoomID: roomID, SenderID: senderID, SenderName: "alice"},
		Decision: routing.Decision{Mode: routing.ModeNone},
	}

	payload := mustMarshal(t, protocol.ClientSendMessage{
		Type: protocol.TypeClientSendMessage, RoomID: roomID.String(), Content: "hi",
	})
	f.hub.handleClientSendMessage(c, payload)
	f.hub.handleClientSendMessage(c, payload)

	if len(f.sender.sent) != 2 {
		t.Fatalf("pipeline invocations = %d, want 2", len(f.sender.sent))
	}
	first, second := f.sender.sent[0].MessageID, f.sender.sent[1].MessageID
	if first == uuid.Nil || second == uuid.Nil {
		t.Fatal("minted message ID is nil")
	}
	if first == second {
		t.Error("identical payloads produced the same message ID, want a fresh one per send")
	}
}

func TestSendMessageRejection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.sender.err = room.ErrNotMember

	c := f.addClientConn(uuid.New(), "mallory")
	f.hub.handleClientSendMessage(c, mustMarshal(t, protocol.ClientSendMessage{
		Type: protocol.TypeClientSendMessage, RoomID: uuid.NewString(), Content: "hi",
	}))

	frame := recvFrame(t, c)
	if frame["code"] != string(protocol.ErrCodeNotAMember) {
		t.Fatalf("error code = %v, want %s", frame["code"], protocol.ErrCodeNotAMember)
	}
}

func TestSendMessageInvalidIDs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	c := f.addClientConn(uuid.New(), "alice")
	f.hub.handleClientSendMessage(c, mustMarshal(t, protocol.ClientSendMessage{
		Type: protocol.TypeClientSendMessage, RoomID: "not-a-uuid", Content: "hi",
	}))

	frame := recvFrame(t, c)
	if frame["code"] != string(protocol.ErrCodeInvalidMessage) {
		t.Fatalf("error code = %v, want %s", frame["code"], protocol.ErrCodeInvalidMessage)
	}
	if len(f.sender.sent) != 0 {
		t.Error("pipeline was invoked for an invalid payload")
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RateLimitMessageMax = 1
	f := newFixture(t, cfg)

	roomID := uuid.New()
	senderID := uuid.New()
	c := f.addClientConn(senderID, "alice")
	f.sender.res = &routing.Result{
		Message:  &message.Message{ID: uuid.New(), RoomID: roomID, SenderID: senderID, SenderName: "alice"},
		Decision: routing.Decision{Mode: routing.ModeNone},
	}

	payload := mustMarshal(t, protocol.ClientSendMessage{
		Type: protocol.TypeClientSendMessage, RoomID: roomID.String(), Content: "hi",
	})

	f.hub.handleClientSendMessage(c, payload)
	f.hub.handleClientSendMessage(c, payload)

	frame := recvFrame(t, c)
	if frame["type"] != protocol.TypeServerError || frame["code"] != string(protocol.ErrCodeRateLimited) {
		t.Fatalf("second send = %v, want rate limited error", frame)
	}
	if len(f.sender.sent) != 1 {
		t.Errorf("pipeline invocations = %d, want 1", len(f.sender.sent))
	}
}

// --- Typing ---

func TestTypingFanOutDebounced(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	roomID := uuid.New()
	typerID := uuid.New()
	f.rooms.rooms[roomID] = &room.Room{ID: roomID, Name: "build", CreatedBy: typerID}

	typer := f.addClientConn(typerID, "alice")
	peer := f.addClientConn(uuid.New(), "bob")
	f.hub.tables.joinRoom(typer, roomID)
	f.hub.tables.joinRoom(peer, roomID)

	payload := mustMarshal(t, protocol.ClientTyping{Type: protocol.TypeClientTyping, RoomID: roomID.String()})
	f.hub.handleClientTyping(typer, payload)
	f.hub.handleClientTyping(typer, payload)

	frame := recvFrame(t, peer)
	if frame["type"] != protocol.TypeServerTyping {
		t.Fatalf("frame type = %v, want typing", frame["type"])
	}
	if frame["username"] != "alice" {
		t.Errorf("typing username = %v, want alice", frame["username"])
	}
	// The second keystroke inside the window is suppressed, and the typist
	// never receives their own indicator.
	expectNoFrame(t, peer)
	expectNoFrame(t, typer)
}

func TestDisconnectBroadcastsTypingStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	roomID := uuid.New()
	typerID := uuid.New()
	f.rooms.rooms[roomID] = &room.Room{ID: roomID, Name: "build", CreatedBy: typerID}

	typer := f.addClientConn(typerID, "alice")
	peer := f.addClientConn(uuid.New(), "bob")
	f.hub.tables.joinRoom(typer, roomID)
	f.hub.tables.joinRoom(peer, roomID)

	f.hub.handleClientTyping(typer, mustMarshal(t, protocol.ClientTyping{
		Type: protocol.TypeClientTyping, RoomID: roomID.String(),
	}))
	frame := recvFrame(t, peer)
	if frame["type"] != protocol.TypeServerTyping || frame["stopped"] == true {
		t.Fatalf("first frame = %v, want a live typing indicator", frame)
	}

	f.hub.unregisterClient(typer)

	frame = recvFrame(t, peer)
	if frame["type"] != protocol.TypeServerTyping {
		t.Fatalf("frame type = %v, want typing", frame["type"])
	}
	if frame["stopped"] != true {
		t.Errorf("stopped = %v, want true after the typist disconnected", frame["stopped"])
	}
	if frame["username"] != "alice" {
		t.Errorf("username = %v, want alice", frame["username"])
	}
}

// A key-value outage must not swallow typing indicators: the debounce is
// best-effort and the frame still fans out.
func TestTypingBroadcastsWhenStoreUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	roomID := uuid.New()
	typerID := uuid.New()
	f.rooms.rooms[roomID] = &room.Room{ID: roomID, Name: "build", CreatedBy: typerID}

	typer := f.addClientConn(typerID, "alice")
	peer := f.addClientConn(uuid.New(), "bob")
	f.hub.tables.joinRoom(typer, roomID)
	f.hub.tables.joinRoom(peer, roomID)

	f.mr.Close()

	payload := mustMarshal(t, protocol.ClientTyping{Type: protocol.TypeClientTyping, RoomID: roomID.String()})
	f.hub.handleClientTyping(typer, payload)

	frame := recvFrame(t, peer)
	if frame["type"] != protocol.TypeServerTyping {
		t.Fatalf("frame type = %v, want typing despite the store outage", frame["type"])
	}
	if frame["username"] != "alice" {
		t.Errorf("username = %v, want alice", frame["username"])
	}
}

// --- Handshake gating ---

func TestPreAuthFramesRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	c := newConn(f.hub, nil, zerolog.Nop())

	f.hub.dispatchClient(c, mustMarshal(t, protocol.ClientJoinRoom{
		Type: protocol.TypeClientJoinRoom, RoomID: uuid.NewString(),
	}), time.Second)

	frame := recvFrame(t, c)
	if frame["type"] != protocol.TypeServerError {
		t.Fatalf("frame type = %v, want error", frame["type"])
	}
	if frame["code"] != string(protocol.ErrCodeNotAuthenticated) {
		t.Fatalf("error code = %v, want %s", frame["code"], protocol.ErrCodeNotAuthenticated)
	}
	// Exactly one error per rejected frame, and the handler never ran.
	expectNoFrame(t, c)
	if conns := f.hub.tables.countUserConns(uuid.Nil); conns != 0 {
		t.Errorf("unauthenticated conn landed in the tables: %d", conns)
	}
}

func TestPreAuthPingAllowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	c := newConn(f.hub, nil, zerolog.Nop())

	f.hub.dispatchClient(c, mustMarshal(t, protocol.ClientPing{
		Type: protocol.TypeClientPing, TS: 42,
	}), time.Second)

	frame := recvFrame(t, c)
	if frame["type"] != protocol.TypeServerPong {
		t.Fatalf("frame type = %v, want pong before auth", frame["type"])
	}
}

func TestAuthTimerClosesUnauthenticatedConn(t *testing.T) {
	t.Parallel()

	if protocol.CloseAuthTimeout != 4001 {
		t.Fatalf("auth timeout close code = %d, want 4001", protocol.CloseAuthTimeout)
	}

	cfg := testConfig()
	cfg.WSAuthTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)

	c := newConn(f.hub, nil, zerolog.Nop())
	timer := f.hub.startAuthTimer(c)
	defer timer.Stop()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Fatal("received a frame, want the send channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("connection not closed after the auth window elapsed")
	}
}

func TestAuthTimerSparesAuthenticatedConn(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.WSAuthTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)

	c := f.addClientConn(uuid.New(), "alice")
	timer := f.hub.startAuthTimer(c)
	defer timer.Stop()

	time.Sleep(100 * time.Millisecond)
	select {
	case _, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed for an authenticated connection")
		}
	default:
	}
}

// --- Gateways ---

func TestRegisterAgentDisplacesOldGateway(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	ownerID := uuid.New()
	agentID := uuid.New()

	gw1 := f.addGatewayConn(ownerID, "gw-1")
	gw2 := f.addGatewayConn(ownerID, "gw-2")

	payload := mustMarshal(t, protocol.GatewayRegisterAgent{
		Type: protocol.TypeGatewayRegisterAgent, AgentID: agentID.String(),
		AgentType: "coder", Name: "builder", ConnectionType: agent.ConnectionCLI,
	})
	f.hub.handleRegisterAgent(gw1, payload)
	f.hub.handleRegisterAgent(gw2, payload)

	frame := recvFrame(t, gw1)
	if frame["type"] != protocol.TypeServerRemoveAgent {
		t.Fatalf("displaced gateway frame = %v, want remove_agent", frame["type"])
	}
	if frame["agentId"] != agentID.String() {
		t.Errorf("remove_agent agentId = %v, want %s", frame["agentId"], agentID)
	}
	if got := f.hub.tables.gatewayForAgent(agentID); got != gw2 {
		t.Error("agent not bound to the newest gateway")
	}
}

func TestRegisterAgentDefaultsVisibility(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	agentID := uuid.New()
	gw := f.addGatewayConn(uuid.New(), "gw-1")

	f.hub.handleRegisterAgent(gw, mustMarshal(t, protocol.GatewayRegisterAgent{
		Type: protocol.TypeGatewayRegisterAgent, AgentID: agentID.String(), Name: "builder",
	}))

	a := f.agents.agents[agentID]
	if a == nil {
		t.Fatal("agent was not registered")
	}
	if a.Visibility != agent.VisibilityPrivate {
		t.Errorf("visibility = %q, want private default", a.Visibility)
	}
	if a.ConnectionType != agent.ConnectionCLI {
		t.Errorf("connection type = %q, want cli default", a.ConnectionType)
	}
}

func TestGatewayDisconnectFlipsAgentsOffline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	ownerID := uuid.New()
	agentID := uuid.New()
	gw := f.addGatewayConn(ownerID, "gw-1")

	f.hub.handleRegisterAgent(gw, mustMarshal(t, protocol.GatewayRegisterAgent{
		Type: protocol.TypeGatewayRegisterAgent, AgentID: agentID.String(), Name: "builder",
	}))
	if !f.agents.agents[agentID].Online {
		t.Fatal("agent not online after registration")
	}

	f.hub.unregisterGateway(gw)

	if f.agents.agents[agentID].Online {
		t.Error("agent still online after its gateway disconnected")
	}
	if got := f.hub.tables.gatewayForAgent(agentID); got != nil {
		t.Error("agent still bound after gateway disconnect")
	}
}

func TestMessageCompleteIncrementsDepth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	agentID := uuid.New()
	roomID := uuid.New()
	msgID := uuid.New()
	gw := f.addGatewayConn(uuid.New(), "gw-1")

	f.sender.res = &routing.Result{
		Message: &message.Message{
			ID: msgID, RoomID: roomID, SenderID: agentID,
			SenderType: "agent", SenderName: "builder", Type: message.TypeAgentResponse, Content: "done",
		},
		Decision: routing.Decision{Mode: routing.ModeNone},
	}

	f.hub.handleMessageComplete(gw, mustMarshal(t, protocol.GatewayMessageComplete{
		Type: protocol.TypeGatewayMessageComplete,
		Message: protocol.Message{
			ID: msgID.String(), RoomID: roomID.String(), SenderID: agentID.String(),
			SenderType: "agent", SenderName: "builder", Content: "done",
		},
		Depth: 2,
	}))

	if len(f.sender.sent) != 1 {
		t.Fatalf("pipeline invocations = %d, want 1", len(f.sender.sent))
	}
	got := f.sender.sent[0]
	if got.Depth != 3 {
		t.Errorf("depth = %d, want 3 (incoming hop count plus one)", got.Depth)
	}
	if got.SenderType != protocol.SenderTypeAgent {
		t.Errorf("sender type = %q, want agent", got.SenderType)
	}
	if got.Type != message.TypeAgentResponse {
		t.Errorf("message type = %q, want agent_response", got.Type)
	}
}

func TestMessageChunkForwardedToRoom(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	roomID := uuid.New()
	viewer := f.addClientConn(uuid.New(), "alice")
	f.hub.tables.joinRoom(viewer, roomID)
	gw := f.addGatewayConn(uuid.New(), "gw-1")

	f.hub.handleMessageChunk(gw, mustMarshal(t, protocol.GatewayMessageChunk{
		Type: protocol.TypeGatewayMessageChunk, AgentID: uuid.NewString(),
		AgentName: "builder", RoomID: roomID.String(), MessageID: uuid.NewString(), Chunk: "wor",
	}))

	frame := recvFrame(t, viewer)
	if frame["type"] != protocol.TypeServerMessageChunk {
		t.Fatalf("frame type = %v, want message chunk", frame["type"])
	}
	if frame["chunk"] != "wor" {
		t.Errorf("chunk = %v, want wor", frame["chunk"])
	}
}

func TestPermissionRequestForwardedToOwner(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	ownerID := uuid.New()
	ownerConn := f.addClientConn(ownerID, "alice")
	otherConn := f.addClientConn(uuid.New(), "bob")
	gw := f.addGatewayConn(ownerID, "gw-1")

	raw := mustMarshal(t, protocol.GatewayPermissionRequest{
		Type: protocol.TypeGatewayPermissionRequest, AgentID: uuid.NewString(),
		RoomID: uuid.NewString(), RequestID: "req-1", Action: "run_command",
	})
	f.hub.forwardToOwner(gw, raw)

	frame := recvFrame(t, ownerConn)
	if frame["type"] != protocol.TypeGatewayPermissionRequest {
		t.Fatalf("frame type = %v, want forwarded permission request", frame["type"])
	}
	expectNoFrame(t, otherConn)
}

// --- Shutdown ---

func TestShutdownBroadcasts(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)

	c := f.addClientConn(uuid.New(), "alice")
	gw := f.addGatewayConn(uuid.New(), "gw-1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.hub.Shutdown(ctx)

	if !f.hub.Draining() {
		t.Error("hub not draining after shutdown")
	}
	for _, cc := range []*conn{c, gw} {
		frame := recvFrame(t, cc)
		if frame["type"] != protocol.TypeServerShutdown {
			t.Fatalf("frame type = %v, want shutdown", frame["type"])
		}
	}
}

func TestEditMessageBroadcasts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	senderID := uuid.New()
	roomID := uuid.New()
	msgID := uuid.New()

	sender := f.addClientConn(senderID, "alice")
	peer := f.addClientConn(uuid.New(), "bob")
	f.hub.tables.joinRoom(sender, roomID)
	f.hub.tables.joinRoom(peer, roomID)

	f.msgs.stored[msgID] = &message.Message{
		ID: msgID, RoomID: roomID, SenderID: senderID,
		SenderType: "user", SenderName: "alice", Type: message.TypeText, Content: "first draft",
	}

	f.hub.handleClientEditMessage(sender, mustMarshal(t, protocol.ClientEditMessage{
		Type: protocol.TypeClientEditMessage, RoomID: roomID.String(),
		MessageID: msgID.String(), Content: "second draft",
	}))

	for _, c := range []*conn{sender, peer} {
		frame := recvFrame(t, c)
		if frame["type"] != protocol.TypeServerMessageEdited {
			t.Fatalf("frame type = %v, want message_edited", frame["type"])
		}
		msg := frame["message"].(map[string]any)
		if msg["content"] != "second draft" {
			t.Errorf("content = %v, want edited text", msg["content"])
		}
	}
}

func TestEditMessageRejectsForeignMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	roomID := uuid.New()
	msgID := uuid.New()
	owner := uuid.New()

	editor := f.addClientConn(uuid.New(), "mallory")
	f.hub.tables.joinRoom(editor, roomID)

	f.msgs.stored[msgID] = &message.Message{
		ID: msgID, RoomID: roomID, SenderID: owner,
		SenderType: "user", Type: message.TypeText, Content: "not yours",
	}

	f.hub.handleClientEditMessage(editor, mustMarshal(t, protocol.ClientEditMessage{
		Type: protocol.TypeClientEditMessage, RoomID: roomID.String(),
		MessageID: msgID.String(), Content: "hijacked",
	}))

	frame := recvFrame(t, editor)
	if frame["type"] != protocol.TypeServerError {
		t.Fatalf("frame type = %v, want error", frame["type"])
	}
	if f.msgs.stored[msgID].Content != "not yours" {
		t.Error("foreign message content was modified")
	}
}

func TestDeleteMessageBroadcasts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	senderID := uuid.New()
	roomID := uuid.New()
	msgID := uuid.New()

	sender := f.addClientConn(senderID, "alice")
	peer := f.addClientConn(uuid.New(), "bob")
	f.hub.tables.joinRoom(sender, roomID)
	f.hub.tables.joinRoom(peer, roomID)

	f.msgs.stored[msgID] = &message.Message{
		ID: msgID, RoomID: roomID, SenderID: senderID,
		SenderType: "user", Type: message.TypeText, Content: "oops",
	}

	f.hub.handleClientDeleteMessage(sender, mustMarshal(t, protocol.ClientDeleteMessage{
		Type: protocol.TypeClientDeleteMessage, RoomID: roomID.String(), MessageID: msgID.String(),
	}))

	for _, c := range []*conn{sender, peer} {
		frame := recvFrame(t, c)
		if frame["type"] != protocol.TypeServerMessageDeleted {
			t.Fatalf("frame type = %v, want message_deleted", frame["type"])
		}
		if frame["messageId"] != msgID.String() {
			t.Errorf("messageId = %v, want %s", frame["messageId"], msgID)
		}
	}
	if !f.msgs.stored[msgID].Deleted {
		t.Error("message not marked deleted")
	}
}

func TestMarkReadFansOutToOthers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	readerID := uuid.New()
	roomID := uuid.New()
	msgID := uuid.New()

	reader := f.addClientConn(readerID, "alice")
	peer := f.addClientConn(uuid.New(), "bob")
	f.hub.tables.joinRoom(reader, roomID)
	f.hub.tables.joinRoom(peer, roomID)
	if err := f.rooms.AddMember(context.Background(), roomID, readerID, room.MemberTypeUser, "alice"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	f.hub.handleClientMarkRead(reader, mustMarshal(t, protocol.ClientMarkRead{
		Type: protocol.TypeClientMarkRead, RoomID: roomID.String(), MessageID: msgID.String(),
	}))

	frame := recvFrame(t, peer)
	if frame["type"] != protocol.TypeServerReadReceipt {
		t.Fatalf("frame type = %v, want read_receipt", frame["type"])
	}
	if frame["userId"] != readerID.String() {
		t.Errorf("userId = %v, want reader", frame["userId"])
	}
	expectNoFrame(t, reader)
}
