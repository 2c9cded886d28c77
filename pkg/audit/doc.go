// Package audit records tenant-affecting actions: organization self-healing
// and subscription transitions.
//
// Events are written through the Logger interface. LogrusLogger emits a
// structured log line, DBLogger inserts into the audit_logs table, and
// MultiLogger fans out to several sinks:
//
//	sink := audit.NewMultiLogger(audit.NewLogrusLogger(logger), dbLogger)
//	event := audit.NewEvent(ctx, audit.EventTypeSubscriptionCancel, audit.EventStatusSuccess, userID, orgID)
//	event.Message = "cancellation requested"
//	_ = sink.Log(ctx, event)
//
// Audit failures never fail the operation being audited; callers log and
// continue.
package audit
