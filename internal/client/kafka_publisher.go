package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes cart workflow events to a Kafka topic, keyed by
// cart so a cart's events stay ordered within one partition. Like
// NotificationPublisher it never fails the caller.
type KafkaPublisher struct {
	writer messageWriter
	prefix string
	log    zerolog.Logger
	now    func() time.Time
}

// NewKafkaWriter builds the topic writer.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// NewKafkaPublisher wraps writer.
func NewKafkaPublisher(writer messageWriter, prefix string, log zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: writer,
		prefix: prefix,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PublishCartEvent writes one workflow event.
func (p *KafkaPublisher) PublishCartEvent(ctx context.Context, eventType, cart, actorID string, payload map[string]any) {
	if p == nil || p.writer == nil {
		return
	}

	now := p.now()
	data, err := json.Marshal(newCartEvent(eventType, cart, actorID, payload, now))
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("kafka: failed to marshal event")
		return
	}

	subject := eventSubject(p.prefix, eventType)
	msg := kafka.Message{
		Key:   []byte(cart),
		Value: data,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(subject)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warn().Err(err).
			Str("event_type", subject).
			Str("cart", cart).
			Msg("kafka: failed to publish event (non-fatal)")
		return
	}

	p.log.Debug().Str("event_type", subject).Str("cart", cart).Msg("kafka: event published")
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
