package logging

import "log/slog"

// Field names shared by every audit component.
const (
	FieldService       = "service"
	FieldRequestID     = "request_id"
	FieldEventID       = "event_id"
	FieldEventType     = "event_type"
	FieldEventName     = "event_name"
	FieldApplication   = "application"
	FieldUsername      = "username"
	FieldCorrelationID = "correlation_id"
	FieldSubject       = "subject"
	FieldPath          = "path"
	FieldMethod        = "method"
	FieldStatus        = "status"
	FieldDuration      = "duration_ms"
	FieldError         = "error"
)

func Service(name string) slog.Attr { return slog.String(FieldService, name) }

func EventID(id string) slog.Attr { return slog.String(FieldEventID, id) }

func EventType(t string) slog.Attr { return slog.String(FieldEventType, t) }

func EventName(n string) slog.Attr { return slog.String(FieldEventName, n) }

func Application(name string) slog.Attr { return slog.String(FieldApplication, name) }

func Username(name string) slog.Attr { return slog.String(FieldUsername, name) }

func CorrelationID(id string) slog.Attr { return slog.String(FieldCorrelationID, id) }

// Subject returns an attribute for a messaging subject.
func Subject(s string) slog.Attr { return slog.String(FieldSubject, s) }

func Path(p string) slog.Attr { return slog.String(FieldPath, p) }

func Method(m string) slog.Attr { return slog.String(FieldMethod, m) }

func Status(code int) slog.Attr { return slog.Int(FieldStatus, code) }

// Duration returns an attribute for a duration in milliseconds.
func Duration(ms int64) slog.Attr { return slog.Int64(FieldDuration, ms) }

// Error returns an attribute for err. A nil error yields an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
