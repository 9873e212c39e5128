package models

import (
	"fmt"
	"time"
)

// Notification is a transient message derived from a notify event, meant for
// live display to a watching user.
type Notification struct {
	Username  string    `json:"username"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// BroadcastUsername addresses a notification to every user.
const BroadcastUsername = "*"

// NotificationFromEvent derives the notification carried by e. The username
// must be set and the body must hold string values under notificaFacultad
// and datos; anything else wraps ErrMalformedNotificationBody.
func NotificationFromEvent(e *Event) (Notification, error) {
	if e == nil {
		return Notification{}, fmt.Errorf("%w: nil event", ErrMalformedNotificationBody)
	}
	if e.Username == "" {
		return Notification{}, fmt.Errorf("%w: username is empty", ErrMalformedNotificationBody)
	}
	nb, err := e.EventBody.Notification()
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		Username:  e.Username,
		Title:     nb.Title,
		Message:   nb.Message,
		Timestamp: e.Timestamp,
	}, nil
}

// VisibleTo reports whether n should be shown to username. Notifications
// addressed to "*" are visible to everyone; an empty username sees all.
func (n Notification) VisibleTo(username string) bool {
	return username == "" || n.Username == BroadcastUsername || n.Username == username
}
