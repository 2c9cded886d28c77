package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of audit event
type EventType string

const (
	// Self-healing events
	EventTypeSelfHealReconnect     EventType = "org.selfheal_reconnect"
	EventTypeSelfHealProvision     EventType = "org.selfheal_provision"
	EventTypeSelfHealIntegrityRisk EventType = "org.selfheal_integrity_risk"

	// Subscription events
	EventTypeSubscriptionCancel            EventType = "subscription.cancel"
	EventTypeSubscriptionReactivate        EventType = "subscription.reactivate"
	EventTypeSubscriptionDowngrade         EventType = "subscription.downgrade"
	EventTypeSubscriptionUpgrade           EventType = "subscription.upgrade"
	EventTypeSubscriptionDowngradeSchedule EventType = "subscription.downgrade_scheduled"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource being changed
type ResourceType string

const (
	ResourceTypeOrganization ResourceType = "organization"
	ResourceTypeMembership   ResourceType = "membership"
	ResourceTypeSubscription ResourceType = "subscription"
	ResourceTypeVehicle      ResourceType = "vehicle"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor
	UserID         *uuid.UUID `json:"user_id,omitempty"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`

	// Resource
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Changes      *ChangeDetails         `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}
