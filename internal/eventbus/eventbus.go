// Package eventbus implements the in-process topic pub/sub the rest of the
// orchestrator uses to publish lifecycle events (tool.executed from the
// broker; gate.blocked, gate.passed, ITEM_COMPLETED, PHASE_STARTED, ... from
// the state machine). It keeps a bounded
// ring buffer of recent events, queryable by topic, and isolates handler
// panics so one failing observer cannot abort a publish or block others.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Event is a single published occurrence.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler receives events published to a topic it subscribed to.
type Handler func(Event)

const defaultHistory = 1000

// Bus is a synchronous, in-process publish/subscribe mechanism. Publish is
// synchronous with respect to handler invocation — any observer subscribed
// before the mutation that produces an event will see it before Publish
// returns — but there is no durability guarantee across process restarts.
type Bus struct {
	mu          sync.Mutex
	handlers    map[string][]Handler
	history     []Event
	historySize int
	logger      *slog.Logger
}

// New creates a Bus with the given bounded history size. A historySize of
// zero uses the default (1000).
func New(historySize int, logger *slog.Logger) *Bus {
	if historySize <= 0 {
		historySize = defaultHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:    make(map[string][]Handler),
		historySize: historySize,
		logger:      logger,
	}
}

// Subscribe registers fn to be invoked whenever an event of the given topic
// is published. Subscribing to "*" receives every topic.
func (b *Bus) Subscribe(topic string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], fn)
}

// Publish records the event in history and invokes every matching handler.
// Handler lists are read under the bus's mutex but invoked outside it, so a
// handler that itself publishes or subscribes cannot deadlock the bus.
func (b *Bus) Publish(eventType string, data map[string]interface{}) Event {
	ev := Event{Type: eventType, Data: data, Timestamp: time.Now()}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
	toRun := append(append([]Handler{}, b.handlers[eventType]...), b.handlers["*"]...)
	b.mu.Unlock()

	for _, h := range toRun {
		b.invokeSafely(eventType, h, ev)
	}

	return ev
}

func (b *Bus) invokeSafely(topic string, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", topic, "recovered", r)
		}
	}()
	h(ev)
}

// History returns up to limit most-recent events for the given topic
// (or every topic if topic is empty), newest-first. limit <= 0 means
// unbounded.
func (b *Bus) History(topic string, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []Event
	for i := len(b.history) - 1; i >= 0; i-- {
		ev := b.history[i]
		if topic == "" || ev.Type == topic {
			matched = append(matched, ev)
		}
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched
}
