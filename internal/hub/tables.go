package hub

import (
	"sync"

	"github.com/google/uuid"
)

// tables is the in-memory connection registry: client connections indexed by
// user and joined room, gateway connections indexed by the agents they host.
// All maps are guarded by one mutex; every method takes it for its full
// duration so cross-index updates stay consistent.
type tables struct {
	mu sync.RWMutex

	// clients holds every authenticated client connection by connection ID.
	clients map[uuid.UUID]*conn

	// byUser indexes client connections by user ID. A user may hold several
	// connections (multiple tabs, devices).
	byUser map[uuid.UUID]map[uuid.UUID]*conn

	// byRoom indexes client connections by the rooms they joined, with
	// roomsOf as the reverse index for cleanup on disconnect.
	byRoom  map[uuid.UUID]map[uuid.UUID]*conn
	roomsOf map[uuid.UUID]map[uuid.UUID]struct{}

	// gateways holds every authenticated gateway connection by connection ID.
	gateways map[uuid.UUID]*conn

	// agentGateway maps an agent ID to the gateway connection currently
	// hosting it, with agentsOf as the reverse index.
	agentGateway map[uuid.UUID]*conn
	agentsOf     map[uuid.UUID]map[uuid.UUID]struct{}
}

func newTables() *tables {
	return &tables{
		clients:      make(map[uuid.UUID]*conn),
		byUser:       make(map[uuid.UUID]map[uuid.UUID]*conn),
		byRoom:       make(map[uuid.UUID]map[uuid.UUID]*conn),
		roomsOf:      make(map[uuid.UUID]map[uuid.UUID]struct{}),
		gateways:     make(map[uuid.UUID]*conn),
		agentGateway: make(map[uuid.UUID]*conn),
		agentsOf:     make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// addClient registers an authenticated client connection.
func (t *tables) addClient(c *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clients[c.id] = c
	userID := c.UserID()
	if t.byUser[userID] == nil {
		t.byUser[userID] = make(map[uuid.UUID]*conn)
	}
	t.byUser[userID][c.id] = c
}

// removeClient drops a client connection from every index and reports whether
// it was the user's last local connection.
func (t *tables) removeClient(c *conn) (last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.clients[c.id]; !ok {
		return false
	}
	delete(t.clients, c.id)

	userID := c.UserID()
	if conns := t.byUser[userID]; conns != nil {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(t.byUser, userID)
			last = true
		}
	}

	for roomID := range t.roomsOf[c.id] {
		if conns := t.byRoom[roomID]; conns != nil {
			delete(conns, c.id)
			if len(conns) == 0 {
				delete(t.byRoom, roomID)
			}
		}
	}
	delete(t.roomsOf, c.id)
	return last
}

// joinRoom subscribes a client connection to a room's fan-out.
func (t *tables) joinRoom(c *conn, roomID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.clients[c.id]; !ok {
		return
	}
	if t.byRoom[roomID] == nil {
		t.byRoom[roomID] = make(map[uuid.UUID]*conn)
	}
	t.byRoom[roomID][c.id] = c
	if t.roomsOf[c.id] == nil {
		t.roomsOf[c.id] = make(map[uuid.UUID]struct{})
	}
	t.roomsOf[c.id][roomID] = struct{}{}
}

// leaveRoom unsubscribes a client connection from a room's fan-out.
func (t *tables) leaveRoom(c *conn, roomID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conns := t.byRoom[roomID]; conns != nil {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(t.byRoom, roomID)
		}
	}
	if rooms := t.roomsOf[c.id]; rooms != nil {
		delete(rooms, roomID)
	}
}

// connRooms returns the rooms a client connection has joined.
func (t *tables) connRooms(c *conn) []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rooms := make([]uuid.UUID, 0, len(t.roomsOf[c.id]))
	for roomID := range t.roomsOf[c.id] {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// roomConns returns the client connections subscribed to a room.
func (t *tables) roomConns(roomID uuid.UUID) []*conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := make([]*conn, 0, len(t.byRoom[roomID]))
	for _, c := range t.byRoom[roomID] {
		conns = append(conns, c)
	}
	return conns
}

// userConns returns the client connections of one user.
func (t *tables) userConns(userID uuid.UUID) []*conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := make([]*conn, 0, len(t.byUser[userID]))
	for _, c := range t.byUser[userID] {
		conns = append(conns, c)
	}
	return conns
}

// countUserConns returns how many connections the user currently holds.
func (t *tables) countUserConns(userID uuid.UUID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUser[userID])
}

// addGateway registers an authenticated gateway connection.
func (t *tables) addGateway(c *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gateways[c.id] = c
}

// removeGateway drops a gateway connection and returns the IDs of the agents
// it was hosting so the caller can flip them offline.
func (t *tables) removeGateway(c *conn) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.gateways[c.id]; !ok {
		return nil
	}
	delete(t.gateways, c.id)

	agents := make([]uuid.UUID, 0, len(t.agentsOf[c.id]))
	for agentID := range t.agentsOf[c.id] {
		agents = append(agents, agentID)
		if t.agentGateway[agentID] == c {
			delete(t.agentGateway, agentID)
		}
	}
	delete(t.agentsOf, c.id)
	return agents
}

// bindAgent routes an agent ID to a gateway connection. When the agent was
// already bound to a different connection the newest registration wins and the
// displaced connection is returned so the caller can notify it.
func (t *tables) bindAgent(agentID uuid.UUID, c *conn) (displaced *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.agentGateway[agentID]; ok && prev != c {
		displaced = prev
		if agents := t.agentsOf[prev.id]; agents != nil {
			delete(agents, agentID)
		}
	}
	t.agentGateway[agentID] = c
	if t.agentsOf[c.id] == nil {
		t.agentsOf[c.id] = make(map[uuid.UUID]struct{})
	}
	t.agentsOf[c.id][agentID] = struct{}{}
	return displaced
}

// gatewayForAgent returns the gateway connection hosting the agent, or nil.
func (t *tables) gatewayForAgent(agentID uuid.UUID) *conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agentGateway[agentID]
}

// countGateways returns the number of connected gateways.
func (t *tables) countGateways() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.gateways)
}

// allConns returns every registered connection, clients and gateways both.
func (t *tables) allConns() []*conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := make([]*conn, 0, len(t.clients)+len(t.gateways))
	for _, c := range t.clients {
		conns = append(conns, c)
	}
	for _, c := range t.gateways {
		conns = append(conns, c)
	}
	return conns
}

// connCount returns the total number of registered connections.
func (t *tables) connCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients) + len(t.gateways)
}
