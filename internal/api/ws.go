package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/agentim-chat/agentim/internal/hub"
)

// WSHandler serves the WebSocket upgrade endpoints for clients and gateways.
type WSHandler struct {
	hub *hub.Hub
}

// NewWSHandler creates a WebSocket upgrade handler.
func NewWSHandler(h *hub.Hub) *WSHandler {
	return &WSHandler{hub: h}
}

// Client handles GET /ws/client. It upgrades the HTTP connection to a
// WebSocket and hands it to the hub's client loop. New connections are
// refused once a shutdown is in progress.
func (h *WSHandler) Client(c fiber.Ctx) error {
	if h.hub.Draining() {
		return fiber.ErrServiceUnavailable
	}
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeClient(conn.Conn)
	})(c)
}

// Gateway handles GET /ws/gateway.
func (h *WSHandler) Gateway(c fiber.Ctx) error {
	if h.hub.Draining() {
		return fiber.ErrServiceUnavailable
	}
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeGateway(conn.Conn)
	})(c)
}
