package gwclient

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentim-chat/agentim/internal/protocol"
)

// DefaultMaxQueue bounds the outbound buffer while the connection is down.
const DefaultMaxQueue = 1000

// errSaturated is returned when a critical frame cannot be enqueued because
// the queue holds only critical frames. The caller retries with backoff.
var errSaturated = errors.New("send queue saturated with critical frames")

// errDropped is returned instead of silently dropping a frame whose type is
// marked retry-on-drop, so the caller can retry with backoff.
var errDropped = errors.New("send queue full, frame dropped")

type queuedFrame struct {
	frameType string
	priority  protocol.Priority
	data      []byte
}

// sendQueue buffers outbound frames across disconnects. When the queue is
// full, higher-priority frames evict the oldest lower-priority entry rather
// than being dropped: auth and registration frames must survive arbitrary
// outages, streamed output is worth keeping over typing indicators, and
// everything else is droppable.
type sendQueue struct {
	mu       sync.Mutex
	items    []queuedFrame
	max      int
	dropped  int
	warnedAt bool
	onDrop   func(frameType string)
	log      zerolog.Logger
}

func newSendQueue(max int, onDrop func(frameType string), logger zerolog.Logger) *sendQueue {
	if max <= 0 {
		max = DefaultMaxQueue
	}
	return &sendQueue{max: max, onDrop: onDrop, log: logger}
}

// push enqueues a frame, applying the eviction rules when the queue is full.
// Only a critical frame that finds nothing to evict returns an error.
func (q *sendQueue) push(frameType string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	prio := protocol.PriorityFor(frameType)

	if !q.warnedAt && len(q.items)*4 >= q.max*3 {
		q.warnedAt = true
		q.log.Warn().Int("queued", len(q.items)).Int("max", q.max).
			Msg("Send queue is three quarters full")
	}

	if len(q.items) < q.max {
		q.items = append(q.items, queuedFrame{frameType: frameType, priority: prio, data: data})
		return nil
	}

	switch prio {
	case protocol.PriorityCritical:
		if q.evictOldest(protocol.PriorityNormal) || q.evictOldest(protocol.PriorityHigh) {
			q.items = append(q.items, queuedFrame{frameType: frameType, priority: prio, data: data})
			return nil
		}
		q.log.Error().Str("frame", frameType).Msg("Queue full of critical frames, deferring critical frame")
		return errSaturated
	case protocol.PriorityHigh:
		if q.evictOldest(protocol.PriorityNormal) {
			q.items = append(q.items, queuedFrame{frameType: frameType, priority: prio, data: data})
			return nil
		}
		return q.drop(frameType)
	default:
		return q.drop(frameType)
	}
}

// drop discards a frame, or hands retry-on-drop types back to the caller for
// a bounded retry.
func (q *sendQueue) drop(frameType string) error {
	if protocol.RetryOnDrop(frameType) {
		return errDropped
	}
	q.recordDrop(frameType)
	return nil
}

// evictOldest removes the oldest frame of the given priority. Returns false
// when none is queued.
func (q *sendQueue) evictOldest(prio protocol.Priority) bool {
	for i, item := range q.items {
		if item.priority == prio {
			q.recordDrop(item.frameType)
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// recordDrop counts a dropped frame and fires the drop hook. Losing an auth
// frame, a message completion, or a permission request is always logged at
// error level; for everything else, every tenth drop leaves a trace without
// flooding the log.
func (q *sendQueue) recordDrop(frameType string) {
	q.dropped++
	if q.onDrop != nil {
		q.onDrop(frameType)
	}
	switch frameType {
	case protocol.TypeGatewayAuth, protocol.TypeClientAuth,
		protocol.TypeGatewayMessageComplete, protocol.TypeGatewayPermissionRequest:
		q.log.Error().Str("frame", frameType).Int("dropped", q.dropped).
			Msg("Dropped critical type")
		return
	}
	if q.dropped%10 == 0 {
		q.log.Warn().Int("dropped", q.dropped).Str("frame", frameType).
			Msg("Send queue dropping frames")
	}
}

// reportDrop records a frame lost outside the queue itself, such as a Send
// that gave up after repeated queue pressure.
func (q *sendQueue) reportDrop(frameType string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recordDrop(frameType)
}

// drain removes and returns every queued frame in order.
func (q *sendQueue) drain() []queuedFrame {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	q.warnedAt = false
	return items
}

// prepend puts unsent frames back at the head of the queue, used when a flush
// is interrupted mid-way. Overflow past the cap is discarded from the tail.
func (q *sendQueue) prepend(items []queuedFrame) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]queuedFrame, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	if len(merged) > q.max {
		for _, item := range merged[q.max:] {
			q.recordDrop(item.frameType)
		}
		merged = merged[:q.max]
	}
	q.items = merged
}

// size returns the number of queued frames.
func (q *sendQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// droppedCount returns how many frames have been dropped since start.
func (q *sendQueue) droppedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
