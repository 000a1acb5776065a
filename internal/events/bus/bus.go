// Package bus provides the internal notification bus connecting the
// orchestrator's mutations and the ingest path to the websocket hub.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the control plane. Wildcards use NATS syntax:
// "session.*" matches one token, ">" matches the rest.
const (
	SubjectSessionCreated   = "session.created"
	SubjectSessionStatus    = "session.status"
	SubjectSessionCompleted = "session.completed"
	SubjectSessionFailed    = "session.failed"
	SubjectSessionCancelled = "session.cancelled"
	SubjectSessionDeleted   = "session.deleted"
	SubjectSessionChunk     = "session.chunk"
)

// Notification is a message on the bus. Data carries a subject-specific
// JSON-compatible payload; SessionID routes it to websocket subscribers.
type Notification struct {
	ID        string                 `json:"id"`
	Subject   string                 `json:"subject"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewNotification creates a notification with a UUID and current timestamp.
func NewNotification(subject, sessionID string, data map[string]interface{}) *Notification {
	return &Notification{
		ID:        uuid.New().String(),
		Subject:   subject,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler is a function that handles a notification.
type Handler func(ctx context.Context, n *Notification) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the notification bus. The in-memory implementation is the
// default; NATS is used when configured so external consumers can tap
// the same subjects.
type Bus interface {
	// Publish sends a notification to a subject.
	Publish(ctx context.Context, subject string, n *Notification) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
