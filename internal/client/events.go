package client

import (
	"fmt"
	"strings"
	"time"
)

// CartEvent is the JSON schema published to NATS and Kafka.
type CartEvent struct {
	EventType  string         `json:"event_type"`
	Cart       string         `json:"cart"`
	ActorID    string         `json:"actor_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Severity   string         `json:"severity"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func newCartEvent(eventType, cart, actorID string, payload map[string]any, now time.Time) *CartEvent {
	severity := "info"
	if eventType == "inconsistency" {
		severity = "critical"
	}
	return &CartEvent{
		EventType:  eventType,
		Cart:       cart,
		ActorID:    actorID,
		OccurredAt: now,
		Severity:   severity,
		Payload:    payload,
	}
}

// eventSubject builds <prefix>.<event_type>.
func eventSubject(prefix, eventType string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return eventType
	}
	return fmt.Sprintf("%s.%s", prefix, eventType)
}
