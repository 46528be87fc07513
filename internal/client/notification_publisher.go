package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// natsPublisher is the part of the platform NATS client the publisher uses.
type natsPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationPublisher publishes cart workflow events to NATS.
//
// Subject convention: <prefix>.<event_type>, e.g. carts.cart_finalized.
//
// All publish operations are non-fatal: errors are logged but never propagated
// to the caller, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	nats   natsPublisher
	prefix string
	log    zerolog.Logger
	now    func() time.Time
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
func NewNotificationPublisher(nats natsPublisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{
		nats:   nats,
		prefix: prefix,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PublishCartEvent publishes one workflow event.
func (p *NotificationPublisher) PublishCartEvent(ctx context.Context, eventType, cart, actorID string, payload map[string]any) {
	if p == nil || p.nats == nil {
		return
	}

	data, err := json.Marshal(newCartEvent(eventType, cart, actorID, payload, p.now()))
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := eventSubject(p.prefix, eventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("cart", cart).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("cart", cart).
		Msg("notification: event published")
}
