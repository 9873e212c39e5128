// Package models holds the audit event, its classification and the
// notifications derived from it.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType selects the processing policy of an event.
type EventType string

const (
	EventTypeFullStore EventType = "FULL_STORE"
	EventTypeDBStore   EventType = "DB_STORE"
	EventTypeFileStore EventType = "FILE_STORE"
	EventTypeError     EventType = "ERROR_EVENT"
)

// IsKnown reports whether t is one of the defined policies. Unknown values
// are kept verbatim and follow the default policy.
func (t EventType) IsKnown() bool {
	switch t {
	case EventTypeFullStore, EventTypeDBStore, EventTypeFileStore, EventTypeError:
		return true
	}
	return false
}

func (t EventType) String() string { return string(t) }

const (
	// NotificationCorrelationID replaces the correlation id of every event
	// received on the notify channel.
	NotificationCorrelationID = "Notificación"

	// NotificationEventName is the event name notification producers use.
	NotificationEventName = "NOTIFICACION"
)

// Event is an audit record describing an action performed by a principal in
// an external application.
type Event struct {
	ID              string    `json:"id" bson:"_id"`
	Token           int       `json:"token" bson:"token"`
	CorrelationID   string    `json:"correlationId" bson:"correlationId"`
	EventType       EventType `json:"eventType" bson:"eventType"`
	Username        string    `json:"username" bson:"username"`
	EventName       string    `json:"eventName" bson:"eventName"`
	ApplicationName string    `json:"applicationName" bson:"applicationName"`
	EventBody       Body      `json:"eventBody" bson:"eventBody"`
	Timestamp       time.Time `json:"timestamp" bson:"timestamp"`
}

// Decode builds an Event from an inbound JSON payload. Only structure is
// checked: the payload must be an object with a non-empty eventType and, when
// present, an object eventBody. Failures wrap ErrDecodeFailure.
func Decode(data []byte) (*Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecodeFailure)
	}

	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	if e.EventType == "" {
		return nil, fmt.Errorf("%w: eventType is required", ErrDecodeFailure)
	}

	// ids are assigned by this service, never by producers
	e.ID = ""
	e.Token = 0
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return &e, nil
}

// NewLocalID assigns a locally generated id to an event that is never
// persisted.
func (e *Event) NewLocalID() {
	e.ID = uuid.New().String()
}

// JSONLine renders the event as a single JSON line without a trailing newline.
func (e *Event) JSONLine() ([]byte, error) {
	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	return line, nil
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	cp.EventBody = e.EventBody.Clone()
	return &cp
}
