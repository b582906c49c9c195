package gwclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentim-chat/agentim/internal/protocol"
)

func TestQueueBuffersUnderCapacity(t *testing.T) {
	t.Parallel()

	q := newSendQueue(4, nil, zerolog.Nop())
	for i := 0; i < 4; i++ {
		if err := q.push(protocol.TypeGatewayTerminalData, []byte("x")); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if got := q.size(); got != 4 {
		t.Errorf("size = %d, want 4", got)
	}
}

func TestQueueCriticalEvictsNormalThenHigh(t *testing.T) {
	t.Parallel()

	q := newSendQueue(2, nil, zerolog.Nop())
	if err := q.push(protocol.TypeGatewayTerminalData, []byte("normal")); err != nil {
		t.Fatal(err)
	}
	if err := q.push(protocol.TypeGatewayMessageChunk, []byte("high")); err != nil {
		t.Fatal(err)
	}

	// Full queue: the critical frame evicts the normal one.
	if err := q.push(protocol.TypeGatewayRegisterAgent, []byte("critical")); err != nil {
		t.Fatalf("critical push: %v", err)
	}
	// Full again with high + critical: the next critical evicts the high one.
	if err := q.push(protocol.TypeGatewayAuth, []byte("critical2")); err != nil {
		t.Fatalf("second critical push: %v", err)
	}

	items := q.drain()
	if len(items) != 2 {
		t.Fatalf("drained %d items, want 2", len(items))
	}
	for _, item := range items {
		if item.priority != protocol.PriorityCritical {
			t.Errorf("surviving frame %s has priority %v, want critical", item.frameType, item.priority)
		}
	}
}

func TestQueueCriticalSaturation(t *testing.T) {
	t.Parallel()

	q := newSendQueue(2, nil, zerolog.Nop())
	_ = q.push(protocol.TypeGatewayAuth, []byte("a"))
	_ = q.push(protocol.TypeGatewayAuth, []byte("b"))

	err := q.push(protocol.TypeGatewayRegisterAgent, []byte("c"))
	if !errors.Is(err, errSaturated) {
		t.Fatalf("push into saturated queue = %v, want errSaturated", err)
	}
	if got := q.size(); got != 2 {
		t.Errorf("size = %d, want 2 (nothing evicted)", got)
	}
}

func TestQueueHighEvictsOnlyNormal(t *testing.T) {
	t.Parallel()

	q := newSendQueue(2, nil, zerolog.Nop())
	_ = q.push(protocol.TypeGatewayTerminalData, []byte("normal"))
	_ = q.push(protocol.TypeGatewayMessageChunk, []byte("high"))

	// Evicts the normal frame.
	if err := q.push(protocol.TypeGatewayMessageChunk, []byte("high2")); err != nil {
		t.Fatalf("high push: %v", err)
	}
	// No normal frame left: message_chunk is droppable, no error.
	if err := q.push(protocol.TypeGatewayMessageChunk, []byte("high3")); err != nil {
		t.Fatalf("high push onto high-only queue: %v", err)
	}
	if got := q.droppedCount(); got == 0 {
		t.Error("expected at least one recorded drop")
	}
}

func TestQueueRetryOnDropTypesReturnError(t *testing.T) {
	t.Parallel()

	q := newSendQueue(1, nil, zerolog.Nop())
	_ = q.push(protocol.TypeGatewayMessageChunk, []byte("high"))

	// message_complete is high priority and retry-on-drop: with nothing to
	// evict it must be bounced back to the caller, not silently lost.
	err := q.push(protocol.TypeGatewayMessageComplete, []byte("done"))
	if !errors.Is(err, errDropped) {
		t.Fatalf("push = %v, want errDropped", err)
	}
}

func TestQueueNormalDropsSilently(t *testing.T) {
	t.Parallel()

	q := newSendQueue(1, nil, zerolog.Nop())
	_ = q.push(protocol.TypeGatewayTerminalData, []byte("a"))

	if err := q.push(protocol.TypeGatewayTerminalData, []byte("b")); err != nil {
		t.Fatalf("normal push onto full queue: %v", err)
	}
	if got := q.droppedCount(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	if got := q.size(); got != 1 {
		t.Errorf("size = %d, want 1", got)
	}
}

func TestQueuePrependKeepsOrder(t *testing.T) {
	t.Parallel()

	q := newSendQueue(10, nil, zerolog.Nop())
	_ = q.push(protocol.TypeGatewayTerminalData, []byte("c"))

	q.prepend([]queuedFrame{
		{frameType: protocol.TypeGatewayAuth, priority: protocol.PriorityCritical, data: []byte("a")},
		{frameType: protocol.TypeGatewayMessageChunk, priority: protocol.PriorityHigh, data: []byte("b")},
	})

	items := q.drain()
	if len(items) != 3 {
		t.Fatalf("drained %d items, want 3", len(items))
	}
	want := []string{"a", "b", "c"}
	for i, item := range items {
		if string(item.data) != want[i] {
			t.Errorf("item %d = %q, want %q", i, item.data, want[i])
		}
	}
}

func TestQueuePrependRespectsCap(t *testing.T) {
	t.Parallel()

	q := newSendQueue(2, nil, zerolog.Nop())
	_ = q.push(protocol.TypeGatewayTerminalData, []byte("tail"))

	q.prepend([]queuedFrame{
		{frameType: protocol.TypeGatewayAuth, priority: protocol.PriorityCritical, data: []byte("a")},
		{frameType: protocol.TypeGatewayMessageChunk, priority: protocol.PriorityHigh, data: []byte("b")},
	})

	if got := q.size(); got != 2 {
		t.Fatalf("size = %d, want cap of 2", got)
	}
	items := q.drain()
	if string(items[0].data) != "a" || string(items[1].data) != "b" {
		t.Errorf("requeued frames lost priority ordering: %q, %q", items[0].data, items[1].data)
	}
}

func TestNextBackoffCaps(t *testing.T) {
	t.Parallel()

	d := reconnectInitial
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
		if d > reconnectMax {
			t.Fatalf("backoff %v exceeds cap %v", d, reconnectMax)
		}
	}
	if d != reconnectMax {
		t.Errorf("backoff settled at %v, want %v", d, reconnectMax)
	}
}

func TestJitterNeverUndershootsBase(t *testing.T) {
	t.Parallel()

	base := 10 * time.Second
	for i := 0; i < 100; i++ {
		got := jitter(base)
		if got < base || got >= 2*base {
			t.Fatalf("jitter(%v) = %v, outside [%v, %v)", base, got, base, 2*base)
		}
	}
}

func TestQueueDropHookFiresOnEviction(t *testing.T) {
	t.Parallel()

	var drops []string
	q := newSendQueue(2, func(frameType string) { drops = append(drops, frameType) }, zerolog.Nop())
	_ = q.push(protocol.TypeGatewayTerminalData, []byte("a"))
	_ = q.push(protocol.TypeGatewayTerminalData, []byte("b"))

	// The auth frame evicts the oldest terminal frame; the hook must see
	// exactly that one eviction.
	if err := q.push(protocol.TypeGatewayAuth, []byte("auth")); err != nil {
		t.Fatalf("auth push: %v", err)
	}
	if len(drops) != 1 || drops[0] != protocol.TypeGatewayTerminalData {
		t.Fatalf("drop hook calls = %v, want one terminal_data", drops)
	}
}

func TestQueueReportDropFiresHook(t *testing.T) {
	t.Parallel()

	var drops []string
	q := newSendQueue(2, func(frameType string) { drops = append(drops, frameType) }, zerolog.Nop())
	q.reportDrop(protocol.TypeGatewayMessageChunk)

	if len(drops) != 1 || drops[0] != protocol.TypeGatewayMessageChunk {
		t.Fatalf("drop hook calls = %v, want one message_chunk", drops)
	}
	if got := q.droppedCount(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestSendQueuesWhileDisconnected(t *testing.T) {
	t.Parallel()

	c, err := New(Config{
		ServerURL: "wss://chat.test.example/ws/gateway",
		GatewayID: "gw-1",
		Tokens:    StaticToken("tok"),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = c.Send(context.Background(), protocol.TypeGatewayAgentStatus, protocol.GatewayAgentStatus{
		Type: protocol.TypeGatewayAgentStatus,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := c.QueueDepth(); got != 1 {
		t.Errorf("queue depth = %d, want 1", got)
	}
	if c.Connected() {
		t.Error("client reports connected without a session")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{GatewayID: "g", Tokens: StaticToken("t")}, zerolog.Nop()); err == nil {
		t.Error("missing server URL accepted")
	}
	if _, err := New(Config{ServerURL: "wss://x", Tokens: StaticToken("t")}, zerolog.Nop()); err == nil {
		t.Error("missing gateway ID accepted")
	}
	if _, err := New(Config{ServerURL: "wss://x", GatewayID: "g"}, zerolog.Nop()); err == nil {
		t.Error("missing token source accepted")
	}
}
