package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"checkout-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher wraps the producer with the envelope contract: every event
// carries its type and correlation ID both in the JSON body and as message
// headers.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{
		producer: producer,
		logger:   util.GetLogger(),
	}
}

// Publish sends an enveloped event to a topic. Delivery is at-least-once;
// consumers dedup on the envelope's event ID.
func (ep *EventPublisher) Publish(ctx context.Context, topic, key string, event interface{}, eventType, correlationID string) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: eventBytes,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "correlation-id", Value: []byte(correlationID)},
		},
	}

	if err := ep.producer.WriteMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	util.EventsPublishedTotal.WithLabelValues(topic, eventType).Inc()
	ep.logger.Debug("Published event",
		zap.String("topic", topic),
		zap.String("event_type", eventType),
		zap.String("correlation_id", correlationID))
	return nil
}

// Registry maps topics to handler lists. Subscriptions are registered
// explicitly at startup so the dispatch path is inspectable without a
// container.
type Registry struct {
	brokers   []string
	groupID   string
	subs      map[string][]MessageHandler
	consumers []*Consumer
	logger    *zap.Logger
}

// NewRegistry creates an empty subscription registry.
func NewRegistry(brokers []string, groupID string) *Registry {
	return &Registry{
		brokers: brokers,
		groupID: groupID,
		subs:    make(map[string][]MessageHandler),
		logger:  util.GetLogger(),
	}
}

// Subscribe appends a handler for a topic. Not safe to call after Start.
func (r *Registry) Subscribe(topic string, handler MessageHandler) {
	r.subs[topic] = append(r.subs[topic], handler)
}

// Topics returns the subscribed topics.
func (r *Registry) Topics() []string {
	topics := make([]string, 0, len(r.subs))
	for topic := range r.subs {
		topics = append(topics, topic)
	}
	return topics
}

// Dispatch runs every handler registered for the topic. All handlers see the
// message even when an earlier one errs; the first error is returned.
func (r *Registry) Dispatch(ctx context.Context, topic string, msg kafka.Message) error {
	handlers := r.subs[topic]
	if len(handlers) == 0 {
		r.logger.Warn("No handlers for topic", zap.String("topic", topic))
		return nil
	}

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, msg); err != nil {
			r.logger.Error("Event handler failed",
				zap.String("topic", topic),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Start launches one consumer per subscribed topic. It returns immediately;
// consumers stop when ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	for topic := range r.subs {
		topic := topic
		consumer := NewConsumer(r.brokers, topic, r.groupID)
		r.consumers = append(r.consumers, consumer)

		go func() {
			if err := consumer.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
				return r.Dispatch(ctx, topic, msg)
			}); err != nil && ctx.Err() == nil {
				r.logger.Error("Consumer stopped",
					zap.String("topic", topic),
					zap.Error(err))
			}
		}()
	}
}

// Close shuts down all consumers.
func (r *Registry) Close() error {
	var firstErr error
	for _, consumer := range r.consumers {
		if err := consumer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
