// Package tasks tracks long-running service-agent invocations: jobs handed to
// an external provider that answers asynchronously. The manager caps
// concurrent tasks, polls the provider until a terminal state or deadline,
// fetches the result artifact through the SSRF-filtered downloader, and
// persists the outcome as an agent message in the originating room.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentim-chat/agentim/internal/message"
	"github.com/agentim-chat/agentim/internal/protocol"
	"github.com/agentim-chat/agentim/internal/routing"
	"github.com/agentim-chat/agentim/internal/safeurl"
)

// Task states reported by providers.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// failureText prefixes the message persisted when a task fails or times out.
const failureText = "Generation failed"

// generatingText is the placeholder posted to the room when a task starts, so
// members see the work is underway before the first poll lands.
const generatingText = "Generating…"

// ErrTooManyTasks is returned when the active-task cap is reached.
var ErrTooManyTasks = errors.New("too many active tasks")

// ErrNoProvider is returned by Start when no provider is configured.
var ErrNoProvider = errors.New("no task provider configured")

// Status is one poll result from a provider.
type Status struct {
	State string

	// ResultURL points at the produced artifact, if any. It is fetched
	// through the SSRF filter before use.
	ResultURL string

	// Message is the provider's textual output or error description.
	Message string
}

// Terminal reports whether the state ends the task.
func (s Status) Terminal() bool {
	return s.State == StateSucceeded || s.State == StateFailed
}

// InvokeParams describes one task: which agent runs it, in which room the
// outcome lands, and the prompt.
type InvokeParams struct {
	AgentID   uuid.UUID
	AgentName string
	RoomID    uuid.UUID
	Prompt    string
}

// Provider starts tasks and reports their progress.
type Provider interface {
	Invoke(ctx context.Context, params InvokeParams) (string, error)
	Poll(ctx context.Context, taskID string) (Status, error)
}

// Sender persists and routes the completion message.
type Sender interface {
	Send(ctx context.Context, params routing.SendParams) (*routing.Result, error)
}

// Notifier fans the persisted completion out to connected clients.
type Notifier interface {
	DeliverAgentMessage(res *routing.Result)
}

// Config carries the manager's tunables.
type Config struct {
	// MaxActive caps concurrently tracked tasks.
	MaxActive int

	// PollInterval is the time between provider polls.
	PollInterval time.Duration

	// MaxWait bounds a task's total lifetime; past it the task fails.
	MaxWait time.Duration
}

type task struct {
	id     string
	params InvokeParams
	cancel context.CancelFunc

	// resolved marks a task whose outcome was handled elsewhere (gateway
	// delivery, shutdown) so the cancelled poll loop does not post a
	// spurious failure.
	resolved atomic.Bool
}

// Manager runs the poll loops for active tasks.
type Manager struct {
	provider Provider
	engine   Sender
	fetcher  *safeurl.Downloader
	notifier Notifier
	cfg      Config
	log      zerolog.Logger

	mu     sync.Mutex
	active map[string]*task
	// pending counts reserved slots for invocations in flight, so two
	// concurrent Start calls cannot both pass the cap check.
	pending int
	wg      sync.WaitGroup
}

// NewManager creates a task manager.
func NewManager(provider Provider, engine Sender, fetcher *safeurl.Downloader, notifier Notifier, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Minute
	}
	return &Manager{
		provider: provider,
		engine:   engine,
		fetcher:  fetcher,
		notifier: notifier,
		cfg:      cfg,
		active:   make(map[string]*task),
		log:      logger.With().Str("component", "tasks").Logger(),
	}
}

// SetNotifier installs the fan-out sink. The hub and the manager reference
// each other, so whichever is built second is wired in here before serving
// starts.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// ActiveCount returns the number of tasks currently tracked.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Start invokes the provider and begins polling. Returns the provider's task
// ID, or ErrTooManyTasks when the cap is reached.
func (m *Manager) Start(ctx context.Context, params InvokeParams) (string, error) {
	if m.provider == nil {
		return "", ErrNoProvider
	}
	m.mu.Lock()
	if m.cfg.MaxActive > 0 && len(m.active)+m.pending >= m.cfg.MaxActive {
		m.mu.Unlock()
		return "", ErrTooManyTasks
	}
	m.pending++
	m.mu.Unlock()

	taskID, err := m.provider.Invoke(ctx, params)
	if err != nil {
		m.mu.Lock()
		m.pending--
		m.mu.Unlock()
		return "", fmt.Errorf("invoke task: %w", err)
	}

	watchCtx, cancel := context.WithTimeout(context.Background(), m.cfg.MaxWait)
	t := &task{id: taskID, params: params, cancel: cancel}

	m.mu.Lock()
	m.pending--
	m.active[taskID] = t
	m.mu.Unlock()

	m.postStatus(ctx, params)

	m.wg.Add(1)
	go m.watch(watchCtx, t)

	m.log.Info().Str("task", taskID).Str("agent", params.AgentName).Msg("Task started")
	return taskID, nil
}

// postStatus drops the generating placeholder into the room and fans it out.
func (m *Manager) postStatus(ctx context.Context, params InvokeParams) {
	res, err := m.engine.Send(ctx, routing.SendParams{
		MessageID:  uuid.New(),
		RoomID:     params.RoomID,
		SenderID:   params.AgentID,
		SenderType: protocol.SenderTypeAgent,
		SenderName: params.AgentName,
		Type:       message.TypeSystem,
		Content:    generatingText,
	})
	if err != nil {
		m.log.Warn().Err(err).Str("agent", params.AgentName).Msg("Failed to post generating status")
		return
	}
	if m.notifier != nil {
		m.notifier.DeliverAgentMessage(res)
	}
}

// watch polls the provider until the task reaches a terminal state or the
// deadline expires.
func (m *Manager) watch(ctx context.Context, t *task) {
	defer m.wg.Done()
	defer m.forget(t.id)
	defer t.cancel()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if t.resolved.Load() {
				return
			}
			// Deadline; the provider may still finish on its own, but from
			// our side the task has failed.
			m.log.Warn().Str("task", t.id).Msg("Task deadline expired")
			m.complete(t, Status{State: StateFailed, Message: "task deadline expired"})
			return
		case <-ticker.C:
			status, err := m.provider.Poll(ctx, t.id)
			if err != nil {
				m.log.Warn().Err(err).Str("task", t.id).Msg("Task poll failed")
				m.complete(t, Status{State: StateFailed, Message: err.Error()})
				return
			}
			if !status.Terminal() {
				continue
			}
			m.complete(t, status)
			return
		}
	}
}

// complete persists the task outcome as an agent message and fans it out.
// Failures carry the provider's reason after a fixed prefix.
func (m *Manager) complete(t *task, status Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	content := failureText
	if status.State == StateSucceeded {
		content = m.resultContent(ctx, status)
	} else if status.Message != "" {
		content = failureText + ": " + status.Message
	}

	res, err := m.engine.Send(ctx, routing.SendParams{
		MessageID:  uuid.New(),
		RoomID:     t.params.RoomID,
		SenderID:   t.params.AgentID,
		SenderType: protocol.SenderTypeAgent,
		SenderName: t.params.AgentName,
		Type:       message.TypeAgentResponse,
		Content:    content,
	})
	if err != nil {
		m.log.Error().Err(err).Str("task", t.id).Msg("Failed to persist task outcome")
		return
	}
	if m.notifier != nil {
		m.notifier.DeliverAgentMessage(res)
	}
	m.log.Info().Str("task", t.id).Str("state", status.State).Msg("Task finished")
}

// resultContent resolves the final message text for a succeeded task: the
// fetched artifact when it is textual, otherwise the provider's message.
func (m *Manager) resultContent(ctx context.Context, status Status) string {
	if status.ResultURL == "" || m.fetcher == nil {
		if status.Message != "" {
			return status.Message
		}
		return "Task complete"
	}

	body, contentType, err := m.fetcher.Fetch(ctx, status.ResultURL)
	if err != nil {
		m.log.Warn().Err(err).Str("url", status.ResultURL).Msg("Result fetch failed")
		return failureText
	}
	if strings.HasPrefix(contentType, "text/") || strings.Contains(contentType, "json") {
		return string(body)
	}
	if status.Message != "" {
		return status.Message
	}
	return "Task complete"
}

// HandleTaskUpdate processes a gateway:task_update frame. A terminal update
// cancels the poll loop: the gateway already delivered the result through its
// own message stream.
func (m *Manager) HandleTaskUpdate(_ context.Context, _ uuid.UUID, update map[string]any) {
	id, _ := update["id"].(string)
	if id == "" {
		return
	}
	state, _ := update["state"].(string)
	if state != StateSucceeded && state != StateFailed {
		return
	}

	m.mu.Lock()
	t := m.active[id]
	m.mu.Unlock()
	if t != nil {
		m.log.Debug().Str("task", id).Str("state", state).Msg("Task resolved by gateway, stopping poller")
		t.resolved.Store(true)
		t.cancel()
	}
}

func (m *Manager) forget(taskID string) {
	m.mu.Lock()
	delete(m.active, taskID)
	m.mu.Unlock()
}

// Shutdown cancels every active poll loop and waits for them to drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, t := range m.active {
		t.resolved.Store(true)
		t.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
