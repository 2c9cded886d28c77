package audit

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogrusLogger writes audit events as structured log lines
type LogrusLogger struct {
	log *logrus.Logger
}

// NewLogrusLogger creates a logger-backed audit sink
func NewLogrusLogger(log *logrus.Logger) *LogrusLogger {
	if log == nil {
		log = logrus.New()
	}
	return &LogrusLogger{log: log}
}

// Log writes the event at info level, or warn when it did not succeed
func (l *LogrusLogger) Log(ctx context.Context, event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_type": event.EventType,
		"status":     event.Status,
	}
	if event.UserID != nil {
		fields["user_id"] = event.UserID.String()
	}
	if event.OrganizationID != nil {
		fields["org_id"] = event.OrganizationID.String()
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.ErrorMessage != "" {
		fields["error"] = event.ErrorMessage
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	entry := l.log.WithFields(fields)
	if event.Status == EventStatusSuccess {
		entry.Info(event.Message)
	} else {
		entry.Warn(event.Message)
	}
	return nil
}

// Close is a no-op
func (l *LogrusLogger) Close() error {
	return nil
}
