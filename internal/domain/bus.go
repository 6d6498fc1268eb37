package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community), NATS or Kafka (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Subscribing with AllTenants receives every tenant's messages.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// Kafka settings (Pro tier alternative)
	KafkaBrokers []string
	KafkaGroupID string
}

// AllTenants subscribes to a topic across every tenant.
const AllTenants = "*"

// Standard topic names for the assessment pipeline.
const (
	TopicAssessment = "assessment.completed"
	TopicAlert      = "alert.raised"
	TopicConfig     = "config.updated"
)

// SystemTenant carries events that are not owned by any tenant, such as
// engine configuration changes.
const SystemTenant = "system"

// MaxTenantIDLength bounds tenant identifiers.
const MaxTenantIDLength = 64

// ValidateTenantID checks a caller-supplied tenant ID. IDs must be usable
// as a single bus subject token and must not collide with the reserved
// wildcard or system tenants.
func ValidateTenantID(id string) error {
	switch {
	case id == "":
		return NewValidationError("tenantId", "is required")
	case id == AllTenants || id == SystemTenant:
		return NewValidationError("tenantId", "is reserved")
	case len(id) > MaxTenantIDLength:
		return NewValidationError("tenantId", "is too long")
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return NewValidationError("tenantId", "may only contain letters, digits, '-' and '_'")
		}
	}
	return nil
}
