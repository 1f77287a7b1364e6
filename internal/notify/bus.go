// Package notify is the in-memory topic fan-out that delivers ride events to
// connected rider and driver channels.
package notify

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Subscriber is one connected channel. Send must be safe to call from the
// publishing goroutine; slow or broken channels should return an error
// rather than block indefinitely. Subscribers are map keys, so they must be
// comparable: use pointer types. Non-comparable values are refused.
type Subscriber interface {
	Send(ev models.Event) error
}

// RiderTopic is the topic a rider's clients subscribe to.
func RiderTopic(riderID string) string { return "ride-update-" + riderID }

// DriverTopic is keyed by the driver identity itself.
func DriverTopic(driverID string) string { return driverID }

// Bus delivers each published event at most once to every channel subscribed
// to the topic at publish time. Nothing is persisted or replayed.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[Subscriber]struct{}
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{topics: make(map[string]map[Subscriber]struct{}), logger: logger}
}

func (b *Bus) Subscribe(topic string, s Subscriber) {
	if !isComparable(s) {
		b.logger.Error("refusing non-comparable subscriber", "topic", topic, "type", fmt.Sprintf("%T", s))
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[Subscriber]struct{})
		b.topics[topic] = subs
	}
	if _, dup := subs[s]; !dup {
		subs[s] = struct{}{}
		observability.NotifySubscribers.Inc()
	}
}

func (b *Bus) Unsubscribe(topic string, s Subscriber) {
	if !isComparable(s) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	observability.NotifySubscribers.Dec()
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// Publish sends ev to every current subscriber of topic and returns the
// number of successful deliveries. A topic with no subscribers is not an
// error; failed sends are logged and skipped.
func (b *Bus) Publish(topic string, ev models.Event) int {
	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	observability.NotificationsPublished.WithLabelValues(string(ev.Type)).Inc()
	delivered := 0
	for _, s := range targets {
		if err := s.Send(ev); err != nil {
			b.logger.Warn("notify send failed", "topic", topic, "event", ev.Type, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers reports how many channels are subscribed to topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func isComparable(s Subscriber) bool {
	return s != nil && reflect.TypeOf(s).Comparable()
}
