// Package eventbus is the single canonical publish/subscribe hub for
// lifecycle notifications (poller stalls, recoveries, reinitializations).
// It is the sole survivor of three overlapping teacher implementations
// of the same idea (see DESIGN.md "Consolidation of teacher
// duplication"); non-blocking publish and buffered-channel subscribe
// are kept from the teacher's original eventbus package.
package eventbus

import (
	"sync"
	"time"
)

// Topic names a class of event.
type Topic string

const (
	TopicPollerStalled         Topic = "poller.stalled"
	TopicPollerRecovered       Topic = "poller.recovered"
	TopicPluginReinitialized   Topic = "plugin.reinitialized"
	TopicProcessRestartPending Topic = "process.restart_pending"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Topic     Topic
	Timestamp time.Time
	Payload   any
}

// PollerStalledPayload accompanies TopicPollerStalled.
type PollerStalledPayload struct {
	InstanceID          string
	ConsecutiveFailures int
}

// PollerRecoveredPayload accompanies TopicPollerRecovered.
type PollerRecoveredPayload struct {
	InstanceID string
}

// PluginReinitializedPayload accompanies TopicPluginReinitialized.
type PluginReinitializedPayload struct {
	InstanceID string
	Reason     string
}

// EventBus fans events out to subscribers without blocking publishers;
// a slow subscriber drops events once its buffer is full.
type EventBus struct {
	mu          sync.Mutex
	subscribers map[Topic][]chan Event
	bufferSize  int
}

// New constructs an EventBus whose subscriber channels have the given
// buffer size (defaults to 10 when size < 1).
func New(bufferSize int) *EventBus {
	if bufferSize < 1 {
		bufferSize = 10
	}
	return &EventBus{subscribers: make(map[Topic][]chan Event), bufferSize: bufferSize}
}

// Subscribe returns a buffered channel that receives every future
// event published to topic.
func (b *EventBus) Subscribe(topic Topic) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.bufferSize)
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	return ch
}

// Publish delivers an event to every subscriber of its topic. A
// subscriber whose buffer is full has the event dropped for it rather
// than blocking the publisher.
func (b *EventBus) Publish(topic Topic, payload any) {
	ev := Event{Topic: topic, Timestamp: time.Now(), Payload: payload}
	b.mu.Lock()
	subs := b.subscribers[topic]
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
