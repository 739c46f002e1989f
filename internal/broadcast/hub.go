package broadcast

import (
	"log/slog"
	"sync"

	"github.com/parallelproof/parallelproof/internal/domain"
)

// subscriberBuffer bounds how far a subscriber may fall behind before
// it is disconnected. Publishing never blocks on a slow observer.
const subscriberBuffer = 16

// Subscription is one attached observer of a task's event stream. The
// Events channel is closed when the task finishes, the subscriber
// cancels, or the subscriber falls behind.
type Subscription struct {
	taskID string
	events chan domain.Event
	hub    *Hub
	once   sync.Once
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan domain.Event {
	return s.events
}

// Cancel detaches the subscription. Safe to call more than once and
// concurrently with hub activity.
func (s *Subscription) Cancel() {
	s.hub.unsubscribe(s)
}

// Hub fans events out per task. Late subscribers receive no history;
// a snapshot read covers catch-up. Topics are closed exactly once when
// their task reaches a terminal state.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	closed map[string]struct{}
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		closed: make(map[string]struct{}),
		logger: logger,
	}
}

// Subscribe attaches to a task's stream. Subscribing to an already
// finished task yields an immediately closed channel.
func (h *Hub) Subscribe(taskID string) *Subscription {
	sub := &Subscription{
		taskID: taskID,
		events: make(chan domain.Event, subscriberBuffer),
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, done := h.closed[taskID]; done {
		close(sub.events)
		return sub
	}

	subs, ok := h.topics[taskID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[taskID] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Publish delivers an event to every subscriber of the task. Delivery
// is best-effort: a subscriber whose buffer is full is dropped.
func (h *Hub) Publish(taskID string, event domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.topics[taskID] {
		select {
		case sub.events <- event:
		default:
			h.logger.Warn("dropping slow subscriber", "task", taskID)
			delete(h.topics[taskID], sub)
			sub.once.Do(func() { close(sub.events) })
		}
	}
}

// CloseTopic marks the task finished and closes every remaining
// subscriber channel. Further subscribes see a closed stream; further
// publishes are no-ops.
func (h *Hub) CloseTopic(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, done := h.closed[taskID]; done {
		return
	}
	h.closed[taskID] = struct{}{}

	for sub := range h.topics[taskID] {
		sub.once.Do(func() { close(sub.events) })
	}
	delete(h.topics, taskID)
}

// Subscribers reports the current attachment count for a task.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[taskID])
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.topics[sub.taskID]; ok {
		if _, attached := subs[sub]; attached {
			delete(subs, sub)
			sub.once.Do(func() { close(sub.events) })
		}
		if len(subs) == 0 {
			delete(h.topics, sub.taskID)
		}
	}
}
