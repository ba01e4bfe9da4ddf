package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/garyjia/devportal-approvals/internal/application/dispatcher"
	"github.com/garyjia/devportal-approvals/internal/domain/event"
)

// DefaultTopic receives approval lifecycle events
const DefaultTopic = "approvals.events"

const writeTimeout = 5 * time.Second

// messageWriter is the subset of *kafka.Writer the sink needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes lifecycle events keyed by request id, so all events of
// one request land on the same partition in order
type KafkaSink struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaSink creates a sink writing to topic on brokers
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	// Writers are safe for concurrent use
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireOne,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newKafkaSink(w, logger)
}

func newKafkaSink(w messageWriter, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{writer: w, logger: logger}
}

// Register subscribes the sink to every lifecycle event
func (s *KafkaSink) Register(d dispatcher.Dispatcher) {
	d.SubscribeAll("kafka.sink", s.Handle)
}

// Handle publishes evt as JSON
func (s *KafkaSink) Handle(ctx context.Context, evt *event.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", evt.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(evt.RequestID),
		Value: body,
		Time:  evt.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
			{Key: "event_id", Value: []byte(evt.ID)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Error("Failed to publish event to kafka",
			zap.String("event_type", evt.Type.String()),
			zap.String("request_id", evt.RequestID),
			zap.Error(err))
		return fmt.Errorf("failed to publish event %s: %w", evt.ID, err)
	}
	return nil
}

// Close flushes pending messages
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
