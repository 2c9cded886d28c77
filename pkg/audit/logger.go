package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/odometer/pkg/contextkeys"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close closes the logger and flushes any buffered logs
	Close() error
}

// NoOpLogger discards every event
type NoOpLogger struct{}

func (NoOpLogger) Log(ctx context.Context, event *AuditEvent) error { return nil }

func (NoOpLogger) Close() error { return nil }

// NewEvent builds an event stamped with the current time and the request id
// carried by ctx
func NewEvent(ctx context.Context, eventType EventType, status EventStatus, userID, orgID uuid.UUID) *AuditEvent {
	event := &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
	if userID != uuid.Nil {
		event.UserID = &userID
	}
	if orgID != uuid.Nil {
		event.OrganizationID = &orgID
		event.ResourceType = ResourceTypeOrganization
		event.ResourceID = orgID.String()
	}
	return event
}
