// Package gwclient is the gateway-side connection manager: the library an
// agent-hosting process uses to hold a WebSocket session with the server. It
// handles the auth handshake, the heartbeat/pong liveness loop, automatic
// reconnection with exponential backoff and jitter, a low-frequency probe mode
// once reconnect attempts are exhausted, and an outbound priority queue that
// buffers frames across disconnects.
package gwclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/agentim-chat/agentim/internal/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	authReplyTimeout = 15 * time.Second
	writeTimeout     = 10 * time.Second

	reconnectInitial = 3 * time.Second
	reconnectFactor  = 1.5
	reconnectMax     = 30 * time.Second

	// pongRetryDelay is the fast reconnect path after a pong timeout: the
	// TCP session is likely already dead, so waiting a full backoff interval
	// only prolongs the outage. Applied once, with up to 500ms of jitter.
	pongRetryDelay      = time.Second
	pongRetryJitterSpan = 500 * time.Millisecond

	// Critical frames that cannot be queued are retried with their own
	// bounded backoff rather than dropped.
	enqueueRetryInitial  = time.Second
	enqueueRetryMax      = 16 * time.Second
	enqueueRetryAttempts = 5

	defaultMaxReconnect  = 50
	defaultProbeInterval = 5 * time.Minute

	defaultHeartbeat   = 30 * time.Second
	defaultPongTimeout = 10 * time.Second
)

// errPongTimeout marks a session torn down because the server stopped
// answering pings.
var errPongTimeout = errors.New("pong timeout")

// ErrAuthRejected marks a session the server refused during the auth
// handshake, as opposed to a transport failure.
var ErrAuthRejected = errors.New("authentication rejected")

// ErrReloginRequired is returned by Run when the server rejected the
// credentials twice (once after a refresh, if one was available). The process
// should exit and ask the operator to log in again.
var ErrReloginRequired = errors.New("credentials rejected, re-login required")

// TokenSource supplies the bearer token for the auth handshake. A refreshing
// implementation can mint a new token when the previous one expired; calls
// are serialised so concurrent reconnects trigger a single refresh.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Refresher exchanges a stored refresh token for a fresh bearer token after
// the server rejects the current one. At most one refresh is attempted per
// process lifetime; a rejection after that is terminal.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Handler processes one inbound frame. Handlers run on the read loop; long
// work must be handed off.
type Handler func(frameType string, raw json.RawMessage)

// Config holds the connection parameters.
type Config struct {
	// ServerURL is the gateway WebSocket endpoint, e.g.
	// "wss://chat.example.com/ws/gateway".
	ServerURL string

	// GatewayID identifies this gateway process across reconnects.
	GatewayID string

	Tokens     TokenSource
	DeviceInfo protocol.DeviceInfo

	// Refresh, when set, supplies one replacement token after an auth
	// rejection. Nil means any rejection is terminal.
	Refresh Refresher

	// OnDrop is called once for every frame removed from the send queue
	// without being delivered. Nil disables the hook.
	OnDrop func(frameType string)

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration

	// MaxQueue bounds the outbound queue. Zero means DefaultMaxQueue.
	MaxQueue int

	// MaxReconnect caps consecutive failed reconnect attempts before probe
	// mode. Zero reads AGENTIM_MAX_RECONNECT, falling back to 50.
	MaxReconnect int

	// ProbeInterval is the retry period in probe mode. Zero reads
	// AGENTIM_PROBE_INTERVAL, falling back to 5m.
	ProbeInterval time.Duration
}

// Client maintains the gateway's WebSocket session with the server.
type Client struct {
	cfg   Config
	log   zerolog.Logger
	queue *sendQueue

	handlerMu sync.RWMutex
	handlers  map[string]Handler

	wsMu sync.Mutex
	ws   *websocket.Conn

	connected atomic.Bool
	flushing  atomic.Bool
	lastPong  atomic.Int64

	// tokenMu serialises token fetches so a burst of reconnects performs one.
	// override, when non-empty, replaces the TokenSource token after a
	// successful refresh.
	tokenMu  sync.Mutex
	override string

	refreshed atomic.Bool
}

// New creates a client. Call Run to start the connection loop.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if cfg.GatewayID == "" {
		return nil, fmt.Errorf("gateway ID is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = envInt("AGENTIM_MAX_RECONNECT", defaultMaxReconnect)
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = envMillis("AGENTIM_PROBE_INTERVAL", defaultProbeInterval)
	}

	log := logger.With().Str("component", "gwclient").Logger()
	return &Client{
		cfg:      cfg,
		log:      log,
		queue:    newSendQueue(cfg.MaxQueue, cfg.OnDrop, log),
		handlers: make(map[string]Handler),
	}, nil
}

// On registers a handler for a frame type. Must be called before Run.
func (c *Client) On(frameType string, h Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[frameType] = h
}

// Connected reports whether an authenticated session is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// QueueDepth returns the number of frames waiting for a connection.
func (c *Client) QueueDepth() int {
	return c.queue.size()
}

// Send encodes a frame and queues it for delivery. Frames queued while the
// connection is down are flushed on reconnect. A frame that cannot be queued
// (saturation, or a retry-on-drop type hitting a full queue) is retried with
// bounded backoff before Send gives up.
func (c *Client) Send(ctx context.Context, frameType string, payload any) error {
	data, err := protocol.Encode(payload)
	if err != nil {
		return err
	}

	delay := enqueueRetryInitial
	for attempt := 1; ; attempt++ {
		err = c.queue.push(frameType, data)
		if err == nil {
			break
		}
		if attempt >= enqueueRetryAttempts {
			c.log.Error().Str("frame", frameType).Int("attempts", attempt).
				Msg("Giving up on frame after repeated queue pressure")
			c.queue.reportDrop(frameType)
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > enqueueRetryMax {
			delay = enqueueRetryMax
		}
	}

	if c.connected.Load() {
		c.flush()
	}
	return nil
}

// Run starts the connection loop: connect, authenticate, pump frames,
// reconnect on failure. Blocks until ctx is cancelled. Once MaxReconnect
// consecutive attempts fail the client drops to probe mode, retrying every
// ProbeInterval so a long server outage costs almost nothing. An auth
// rejection triggers a single token refresh when a Refresher is configured;
// a rejection after that returns ErrReloginRequired.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	backoff := reconnectInitial

	for {
		if ctx.Err() != nil {
			c.log.Info().Msg("Connection loop stopped")
			return nil
		}

		established, err := c.session(ctx)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, ErrAuthRejected) {
			if ferr := c.authFailure(ctx, err); ferr != nil {
				c.log.Error().Err(ferr).
					Msg("Authentication rejected, log in again to obtain fresh credentials")
				return ferr
			}
			continue
		}

		if established {
			attempts = 0
			backoff = reconnectInitial
		}
		attempts++

		delay := c.nextDelay(err, attempts, backoff)
		switch {
		case errors.Is(err, errPongTimeout):
			c.log.Warn().Dur("delay", delay).Msg("Pong timeout, fast reconnect")
		case attempts > c.cfg.MaxReconnect:
			c.log.Warn().Err(err).Int("attempts", attempts).Dur("delay", delay).
				Msg("Reconnect attempts exhausted, probing")
		default:
			c.log.Warn().Err(err).Dur("delay", delay).Msg("Connection lost, reconnecting")
			backoff = nextBackoff(backoff)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// nextDelay selects the wait before the next dial. Pong timeouts take a fast
// path, an exhausted reconnect budget drops to probe cadence, and everything
// else follows the exponential backoff schedule. Every path adds jitter on
// top of its base so the wait never undershoots it.
func (c *Client) nextDelay(err error, attempts int, backoff time.Duration) time.Duration {
	switch {
	case errors.Is(err, errPongTimeout):
		return pongRetryDelay + time.Duration(rand.Float64()*float64(pongRetryJitterSpan))
	case attempts > c.cfg.MaxReconnect:
		return jitter(c.cfg.ProbeInterval)
	default:
		return jitter(backoff)
	}
}

// authFailure applies the refresh policy after the server refuses the auth
// handshake. The first rejection spends the process's one refresh attempt if
// a Refresher is configured; with no Refresher, or once the attempt is spent,
// the rejection is terminal.
func (c *Client) authFailure(ctx context.Context, cause error) error {
	if c.cfg.Refresh == nil || !c.refreshed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %v", ErrReloginRequired, cause)
	}

	token, err := c.cfg.Refresh.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("%w: token refresh failed: %v", ErrReloginRequired, err)
	}

	c.tokenMu.Lock()
	c.override = token
	c.tokenMu.Unlock()
	c.log.Info().Msg("Token refreshed, retrying authentication")
	return nil
}

// session runs one connection: dial, authenticate, flush the queue, then pump
// frames until something fails. established reports whether the auth
// handshake completed, which resets the reconnect budget.
func (c *Client) session(ctx context.Context) (established bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}
	defer func() { _ = ws.Close() }()

	c.wsMu.Lock()
	c.ws = ws
	c.wsMu.Unlock()

	token, err := c.token(ctx)
	if err != nil {
		return false, fmt.Errorf("obtain token: %w", err)
	}

	authFrame, err := protocol.Encode(protocol.GatewayAuth{
		Type:       protocol.TypeGatewayAuth,
		Token:      token,
		GatewayID:  c.cfg.GatewayID,
		DeviceInfo: c.cfg.DeviceInfo,
	})
	if err != nil {
		return false, err
	}
	if err := c.writeFrame(authFrame); err != nil {
		return false, fmt.Errorf("send auth: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(authReplyTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("read auth result: %w", err)
	}
	var result protocol.ServerGatewayAuthResult
	if err := json.Unmarshal(raw, &result); err != nil || result.Type != protocol.TypeServerGatewayAuthResult {
		return false, fmt.Errorf("unexpected auth reply")
	}
	if !result.OK {
		return false, fmt.Errorf("%w: %s", ErrAuthRejected, result.Error)
	}

	c.lastPong.Store(time.Now().UnixNano())
	c.connected.Store(true)
	c.log.Info().Str("gateway", c.cfg.GatewayID).Msg("Connected")

	c.flush()

	errCh := make(chan error, 2)
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() { errCh <- c.pingLoop(pingCtx, ws) }()
	go func() { errCh <- c.readLoop(ws) }()

	err = <-errCh
	_ = ws.Close()
	c.wsMu.Lock()
	c.ws = nil
	c.wsMu.Unlock()
	return true, err
}

// pingLoop sends gateway:ping on each heartbeat tick and tears the session
// down when the last pong is older than one interval plus the pong timeout.
func (c *Client) pingLoop(ctx context.Context, ws *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			last := time.Unix(0, c.lastPong.Load())
			if time.Since(last) > c.cfg.HeartbeatInterval+c.cfg.PongTimeout {
				return errPongTimeout
			}

			ping, err := protocol.Encode(protocol.GatewayPing{
				Type: protocol.TypeGatewayPing,
				TS:   time.Now().UnixMilli(),
			})
			if err != nil {
				return err
			}
			if err := c.writeFrame(ping); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
		}
	}
}

// readLoop reads frames and dispatches them to registered handlers until the
// connection breaks.
func (c *Client) readLoop(ws *websocket.Conn) error {
	readWindow := c.cfg.HeartbeatInterval + c.cfg.HeartbeatInterval/2

	for {
		_ = ws.SetReadDeadline(time.Now().Add(readWindow))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			c.log.Debug().Err(err).Msg("Discarding malformed frame")
			continue
		}

		if frame.Type == protocol.TypeServerPong {
			c.lastPong.Store(time.Now().UnixNano())
			continue
		}

		c.handlerMu.RLock()
		h := c.handlers[frame.Type]
		c.handlerMu.RUnlock()
		if h == nil {
			c.log.Debug().Str("frame", frame.Type).Msg("No handler for frame type")
			continue
		}
		h(frame.Type, frame.Data)
	}
}

// flush drains the queue over the live connection, in order. A write failure
// puts the unsent remainder back at the head so nothing is lost across the
// reconnect. The guard keeps concurrent Send calls from interleaving flushes.
func (c *Client) flush() {
	if !c.flushing.CompareAndSwap(false, true) {
		return
	}
	defer c.flushing.Store(false)

	items := c.queue.drain()
	for i, item := range items {
		if err := c.writeFrame(item.data); err != nil {
			c.log.Warn().Err(err).Int("remaining", len(items)-i).
				Msg("Flush interrupted, requeueing remainder")
			c.queue.prepend(items[i:])
			return
		}
	}
}

// writeFrame writes one frame under the write lock.
func (c *Client) writeFrame(data []byte) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	if c.ws == nil {
		return errors.New("not connected")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// token fetches a bearer token, serialising concurrent fetches. A refreshed
// token takes precedence over the configured source.
func (c *Client) token(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.override != "" {
		return c.override, nil
	}
	return c.cfg.Tokens.Token(ctx)
}

// nextBackoff returns the next reconnect delay, capped at reconnectMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * reconnectFactor)
	if next > reconnectMax {
		return reconnectMax
	}
	return next
}

// jitter adds a uniform random fraction of d on top of d, so the result lands
// in [d, 2d). Reconnecting gateways spread out without ever retrying early.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Float64()*float64(d))
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

// envMillis reads an integer millisecond count from the environment.
func envMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
