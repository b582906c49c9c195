package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentim-chat/agentim/internal/message"
	"github.com/agentim-chat/agentim/internal/routing"
)

type fakeProvider struct {
	mu        sync.Mutex
	invoked   []InvokeParams
	invokeID  string
	invokeErr error
	pollErr   error

	// statuses are returned by Poll in order; the last one repeats.
	statuses []Status
	polls    int
}

func (p *fakeProvider) Invoke(_ context.Context, params InvokeParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invoked = append(p.invoked, params)
	if p.invokeErr != nil {
		return "", p.invokeErr
	}
	if p.invokeID == "" {
		return "task-1", nil
	}
	return p.invokeID, nil
}

func (p *fakeProvider) Poll(_ context.Context, _ string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pollErr != nil {
		return Status{}, p.pollErr
	}
	if len(p.statuses) == 0 {
		return Status{State: StateRunning}, nil
	}
	idx := p.polls
	if idx >= len(p.statuses) {
		idx = len(p.statuses) - 1
	}
	p.polls++
	return p.statuses[idx], nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []routing.SendParams
	err  error
	done chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{done: make(chan struct{}, 8)}
}

func (s *fakeSender) Send(_ context.Context, params routing.SendParams) (*routing.Result, error) {
	s.mu.Lock()
	s.sent = append(s.sent, params)
	s.mu.Unlock()
	s.done <- struct{}{}
	if s.err != nil {
		return nil, s.err
	}
	return &routing.Result{Message: &message.Message{ID: params.MessageID, Content: params.Content}}, nil
}

func (s *fakeSender) sentParams() []routing.SendParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]routing.SendParams, len(s.sent))
	copy(out, s.sent)
	return out
}

type fakeNotifier struct {
	mu        sync.Mutex
	delivered []*routing.Result
}

func (n *fakeNotifier) DeliverAgentMessage(res *routing.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, res)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.delivered)
}

func testParams() InvokeParams {
	return InvokeParams{
		AgentID:   uuid.New(),
		AgentName: "renderer",
		RoomID:    uuid.New(),
		Prompt:    "draw a map",
	}
}

func waitFor(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task completion")
	}
}

func TestStartRespectsActiveCap(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{invokeID: "task-a"}
	sender := newFakeSender()
	m := NewManager(provider, sender, nil, nil, Config{
		MaxActive:    1,
		PollInterval: time.Hour,
		MaxWait:      time.Hour,
	}, zerolog.Nop())
	defer m.Shutdown()

	if _, err := m.Start(context.Background(), testParams()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := m.Start(context.Background(), testParams()); !errors.Is(err, ErrTooManyTasks) {
		t.Fatalf("second Start = %v, want ErrTooManyTasks", err)
	}
	if got := m.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}
}

func TestStartPropagatesInvokeError(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{invokeErr: errors.New("provider down")}
	m := NewManager(provider, newFakeSender(), nil, nil, Config{}, zerolog.Nop())

	if _, err := m.Start(context.Background(), testParams()); err == nil {
		t.Fatal("Start with failing provider returned nil error")
	}
	if got := m.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount = %d, want 0 after failed invoke", got)
	}
}

func TestSuccessfulTaskPersistsResult(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{statuses: []Status{
		{State: StateRunning},
		{State: StateSucceeded, Message: "here is your map"},
	}}
	sender := newFakeSender()
	notifier := &fakeNotifier{}
	m := NewManager(provider, sender, nil, notifier, Config{
		PollInterval: 5 * time.Millisecond,
		MaxWait:      time.Minute,
	}, zerolog.Nop())
	defer m.Shutdown()

	params := testParams()
	if _, err := m.Start(context.Background(), params); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, sender.done) // status placeholder
	waitFor(t, sender.done) // completion

	sent := sender.sentParams()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want status + completion", len(sent))
	}
	status := sent[0]
	if status.Content != generatingText {
		t.Errorf("status content = %q, want %q", status.Content, generatingText)
	}
	if status.Type != message.TypeSystem {
		t.Errorf("status type = %q, want %q", status.Type, message.TypeSystem)
	}
	got := sent[1]
	if got.Content != "here is your map" {
		t.Errorf("content = %q, want provider message", got.Content)
	}
	if got.SenderID != params.AgentID || got.SenderName != params.AgentName {
		t.Errorf("sender = %s/%s, want %s/%s", got.SenderID, got.SenderName, params.AgentID, params.AgentName)
	}
	if got.RoomID != params.RoomID {
		t.Errorf("room = %s, want %s", got.RoomID, params.RoomID)
	}
	if got.Type != message.TypeAgentResponse {
		t.Errorf("type = %q, want %q", got.Type, message.TypeAgentResponse)
	}
	if notifier.count() != 2 {
		t.Errorf("notifier called %d times, want 2", notifier.count())
	}
}

func TestFailedTaskCarriesReason(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{statuses: []Status{
		{State: StateFailed, Message: "cuda out of memory on node 7"},
	}}
	sender := newFakeSender()
	m := NewManager(provider, sender, nil, nil, Config{
		PollInterval: 5 * time.Millisecond,
		MaxWait:      time.Minute,
	}, zerolog.Nop())
	defer m.Shutdown()

	if _, err := m.Start(context.Background(), testParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, sender.done) // status placeholder
	waitFor(t, sender.done) // failure

	sent := sender.sentParams()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want status + failure", len(sent))
	}
	want := failureText + ": cuda out of memory on node 7"
	if sent[1].Content != want {
		t.Errorf("content = %q, want %q", sent[1].Content, want)
	}
}

func TestPollErrorFailsTask(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{pollErr: errors.New("provider unreachable")}
	sender := newFakeSender()
	m := NewManager(provider, sender, nil, nil, Config{
		PollInterval: 5 * time.Millisecond,
		MaxWait:      time.Minute,
	}, zerolog.Nop())
	defer m.Shutdown()

	if _, err := m.Start(context.Background(), testParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, sender.done) // status placeholder
	waitFor(t, sender.done) // failure

	sent := sender.sentParams()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want status + failure", len(sent))
	}
	want := failureText + ": provider unreachable"
	if sent[1].Content != want {
		t.Errorf("content = %q, want %q", sent[1].Content, want)
	}
	if got := m.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount = %d, want 0 after poll error", got)
	}
}

func TestDeadlineExpiryFailsTask(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{} // never terminal
	sender := newFakeSender()
	m := NewManager(provider, sender, nil, nil, Config{
		PollInterval: 5 * time.Millisecond,
		MaxWait:      30 * time.Millisecond,
	}, zerolog.Nop())
	defer m.Shutdown()

	if _, err := m.Start(context.Background(), testParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, sender.done) // status placeholder
	waitFor(t, sender.done) // failure

	sent := sender.sentParams()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want status + failure", len(sent))
	}
	want := failureText + ": task deadline expired"
	if sent[1].Content != want {
		t.Errorf("content = %q, want %q", sent[1].Content, want)
	}
}

func TestGatewayUpdateStopsPollerWithoutMessage(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{} // never terminal on its own
	sender := newFakeSender()
	m := NewManager(provider, sender, nil, nil, Config{
		PollInterval: time.Hour,
		MaxWait:      time.Hour,
	}, zerolog.Nop())

	taskID, err := m.Start(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.HandleTaskUpdate(context.Background(), uuid.New(), map[string]any{
		"id":    taskID,
		"state": StateSucceeded,
	})
	m.Shutdown()

	// Only the status placeholder goes out; the gateway already delivered
	// the result through its own stream.
	sent := sender.sentParams()
	if len(sent) != 1 || sent[0].Content != generatingText {
		t.Errorf("sent = %d messages, want just the status placeholder", len(sent))
	}
	if got := m.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount = %d, want 0 after resolution", got)
	}
}

func TestNonTerminalUpdateIgnored(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{}
	m := NewManager(provider, newFakeSender(), nil, nil, Config{
		PollInterval: time.Hour,
		MaxWait:      time.Hour,
	}, zerolog.Nop())
	defer m.Shutdown()

	taskID, err := m.Start(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.HandleTaskUpdate(context.Background(), uuid.New(), map[string]any{
		"id":    taskID,
		"state": StateRunning,
	})

	if got := m.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1 (running update must not cancel)", got)
	}
}

func TestShutdownDrainsWithoutPostingFailures(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{}
	sender := newFakeSender()
	m := NewManager(provider, sender, nil, nil, Config{
		PollInterval: time.Hour,
		MaxWait:      time.Hour,
	}, zerolog.Nop())

	if _, err := m.Start(context.Background(), testParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Shutdown()

	if got := m.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount = %d after Shutdown, want 0", got)
	}
	sent := sender.sentParams()
	if len(sent) != 1 || sent[0].Content != generatingText {
		t.Errorf("sent = %d messages during shutdown, want just the status placeholder", len(sent))
	}
}

// blockingProvider parks Invoke until released, so a test can observe the
// window between the cap check and the active-table insert.
type blockingProvider struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingProvider) Invoke(context.Context, InvokeParams) (string, error) {
	p.entered <- struct{}{}
	<-p.release
	return "task-b", nil
}

func (p *blockingProvider) Poll(context.Context, string) (Status, error) {
	return Status{State: StateRunning}, nil
}

func TestCapCoversInvocationsInFlight(t *testing.T) {
	t.Parallel()

	provider := &blockingProvider{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := NewManager(provider, newFakeSender(), nil, nil, Config{
		MaxActive:    1,
		PollInterval: time.Hour,
		MaxWait:      time.Hour,
	}, zerolog.Nop())
	defer m.Shutdown()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background(), testParams())
		errCh <- err
	}()
	<-provider.entered

	// The first invocation is still in flight and not yet in the active
	// table; the slot must already be spoken for.
	if _, err := m.Start(context.Background(), testParams()); !errors.Is(err, ErrTooManyTasks) {
		t.Fatalf("Start during in-flight invoke = %v, want ErrTooManyTasks", err)
	}

	close(provider.release)
	if err := <-errCh; err != nil {
		t.Fatalf("first Start: %v", err)
	}
}
