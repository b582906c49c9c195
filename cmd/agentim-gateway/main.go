// agentim-gateway is a minimal gateway daemon: it holds the WebSocket session
// to the server, registers the agents named on the command line, and logs the
// frames the server routes to them. Agent hosts embed internal/gwclient the
// same way and replace the logging handlers with real agent plumbing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentim-chat/agentim/internal/gwclient"
	"github.com/agentim-chat/agentim/internal/protocol"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var agentNames string
	flag.StringVar(&agentNames, "agents", "", "comma-separated agent names to register")
	flag.Parse()

	if err := run(agentNames); err != nil {
		log.Fatal().Err(err).Msg("Gateway stopped")
	}
}

func run(agentNames string) error {
	serverURL := envStr("SERVER_URL", "ws://localhost:8080/ws/gateway")
	token := os.Getenv("GATEWAY_TOKEN")
	gatewayID := os.Getenv("GATEWAY_ID")
	if gatewayID == "" {
		hostname, _ := os.Hostname()
		gatewayID = hostname + "-" + uuid.NewString()[:8]
	}

	hostname, _ := os.Hostname()
	client, err := gwclient.New(gwclient.Config{
		ServerURL: serverURL,
		GatewayID: gatewayID,
		Tokens:    gwclient.StaticToken(token),
		DeviceInfo: protocol.DeviceInfo{
			Platform: runtime.GOOS,
			Hostname: hostname,
		},
		OnDrop: func(frameType string) {
			log.Warn().Str("frame", frameType).Msg("Frame dropped from send queue")
		},
	}, log.Logger)
	if err != nil {
		return err
	}

	client.On(protocol.TypeServerSendToAgent, func(_ string, raw json.RawMessage) {
		var p protocol.ServerSendToAgent
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn().Err(err).Msg("Bad send_to_agent frame")
			return
		}
		log.Info().
			Str("agent_id", p.AgentID).
			Str("room_id", p.RoomID).
			Str("sender", p.SenderName).
			Str("mode", p.RoutingMode).
			Int("depth", p.Depth).
			Msg("Message for agent")
	})
	client.On(protocol.TypeServerStopAgent, func(_ string, raw json.RawMessage) {
		log.Info().RawJSON("frame", raw).Msg("Stop requested")
	})
	client.On(protocol.TypeServerRemoveAgent, func(_ string, raw json.RawMessage) {
		log.Warn().RawJSON("frame", raw).Msg("Agent registration replaced by another gateway")
	})
	client.On(protocol.TypeServerShutdown, func(_ string, _ json.RawMessage) {
		log.Info().Msg("Server is shutting down, expecting reconnect")
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Queue registrations up front; they flush right after each successful
	// auth, surviving any disconnects in between.
	for _, name := range splitNames(agentNames) {
		err := client.Send(ctx, protocol.TypeGatewayRegisterAgent, protocol.GatewayRegisterAgent{
			Type:           protocol.TypeGatewayRegisterAgent,
			AgentID:        uuid.NewString(),
			AgentType:      "cli",
			Name:           name,
			ConnectionType: "cli",
			Visibility:     "private",
		})
		if err != nil {
			return err
		}
	}

	log.Info().Str("server", serverURL).Str("gateway_id", gatewayID).Msg("Gateway starting")
	return client.Run(ctx)
}

func splitNames(s string) []string {
	var names []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
