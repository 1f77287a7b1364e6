package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	writeTimeout = 2 * time.Second
	batchTimeout = 10 * time.Millisecond
	queueSize    = 1024
)

var (
	ErrQueueFull = errors.New("stream queue full")
	ErrClosed    = errors.New("producer closed")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes the driver location stream and the ride audit
// stream. Messages are keyed by driver id and ride id so each entity's
// history stays ordered within a partition. Publish calls only enqueue;
// a background writer per stream talks to the brokers.
type KafkaProducer struct {
	locations *stream
	rides     *stream
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string, logger *slog.Logger) *KafkaProducer {
	return newProducer(newWriter(brokers, locationTopic), newWriter(brokers, rideTopic), queueSize, logger)
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
	}
}

func newProducer(locations, rides messageWriter, size int, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaProducer{
		locations: newStream("locations", locations, size, logger),
		rides:     newStream("rides", rides, size, logger),
	}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, ping models.LocationPing) error {
	return k.locations.enqueue(ping.DriverID, ping)
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, r models.Ride) error {
	return k.rides.enqueue(r.ID, r)
}

// Close flushes what is already queued, then closes both writers.
func (k *KafkaProducer) Close() error {
	return errors.Join(k.locations.close(), k.rides.close())
}

type stream struct {
	name   string
	w      messageWriter
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

func newStream(name string, w messageWriter, size int, logger *slog.Logger) *stream {
	s := &stream{
		name:   name,
		w:      w,
		logger: logger,
		queue:  make(chan kafka.Message, size),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *stream) enqueue(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- kafka.Message{Key: []byte(key), Value: b}:
		return nil
	default:
		observability.StreamFailures.WithLabelValues(s.name, "queue_full").Inc()
		return ErrQueueFull
	}
}

func (s *stream) run() {
	defer close(s.done)
	for msg := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := s.w.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			observability.StreamFailures.WithLabelValues(s.name, "write").Inc()
			s.logger.Warn("kafka write failed", "stream", s.name, "key", string(msg.Key), "error", err)
		}
	}
}

func (s *stream) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	return s.w.Close()
}
