package messaging

import "strings"

// Subject constants for the audit message bus.
// Follow the pattern: {domain}.{channel}.{application}
const (
	// Audit channel: events routed by their eventType.
	// Producers publish on audit.events.<application>.
	SubjectAuditEvents = "audit.events"

	// Notify channel: events that become live notifications.
	// Producers publish on audit.notify.<application>.
	SubjectAuditNotify = "audit.notify"

	// Relay of derived notifications for other services.
	SubjectAuditNotifications = "audit.notifications"
)

// UnknownApplication is the subject token used for a blank application name.
const UnknownApplication = "unknown"

// Queue group for load-balanced audit consumers.
const QueueAuditWorkers = "audit-workers"

// AuditEventSubject returns the audit channel subject for an application.
// Example: audit.events.iam
func AuditEventSubject(application string) string {
	return join(SubjectAuditEvents, application)
}

// AuditNotifySubject returns the notify channel subject for an application.
// Example: audit.notify.cartera
func AuditNotifySubject(application string) string {
	return join(SubjectAuditNotify, application)
}

// Wildcard returns the subject matching every token below prefix.
// Example: Wildcard("audit.events") == "audit.events.>"
func Wildcard(prefix string) string {
	return prefix + ".>"
}

// MatchSubject reports whether subject matches pattern using NATS wildcard
// rules: "*" matches one token, a trailing ">" matches one or more.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func join(prefix, token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		// a bare prefix would miss the prefix.> subscriptions
		token = UnknownApplication
	}
	// NATS subjects cannot contain whitespace and "." would split the token.
	token = strings.NewReplacer(".", "_", " ", "_", "\t", "_", "\n", "_", "\r", "_", "*", "_", ">", "_").Replace(token)
	return prefix + "." + token
}
