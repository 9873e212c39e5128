package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Body is the untyped payload of an event, the union of every shape upstream
// producers emit. Fields are read through the accessors, which report absence
// and type mismatches instead of panicking.
type Body map[string]any

var (
	// ErrFieldMissing is returned when a key is absent.
	ErrFieldMissing = errors.New("field missing")
	// ErrFieldType is returned when a key holds an unexpected type.
	ErrFieldType = errors.New("field has wrong type")
)

// Has reports whether key is present (even with a null value).
func (b Body) Has(key string) bool {
	_, ok := b[key]
	return ok
}

// String returns the string stored under key.
func (b Body) String(key string) (string, error) {
	v, ok := b[key]
	if !ok {
		return "", fmt.Errorf("%q: %w", key, ErrFieldMissing)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%q is %T: %w", key, v, ErrFieldType)
	}
	return s, nil
}

// Int returns the integral number stored under key. JSON numbers decode as
// float64 and document stores return int32/int64; all are accepted as long as
// the value has no fractional part. Numeric strings are accepted as well.
func (b Body) Int(key string) (int64, error) {
	v, ok := b[key]
	if !ok {
		return 0, fmt.Errorf("%q: %w", key, ErrFieldMissing)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%q is not integral: %w", key, ErrFieldType)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%q: %w", key, ErrFieldType)
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q: %w", key, ErrFieldType)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%q is %T: %w", key, v, ErrFieldType)
	}
}

// Map returns the nested object stored under key.
func (b Body) Map(key string) (Body, error) {
	v, ok := b[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, ErrFieldMissing)
	}
	switch m := v.(type) {
	case map[string]any:
		return Body(m), nil
	case Body:
		return m, nil
	default:
		return nil, fmt.Errorf("%q is %T: %w", key, v, ErrFieldType)
	}
}

// NotificationBody is the typed shape of a notify event payload.
type NotificationBody struct {
	Title   string // notificaFacultad
	Message string // datos
}

// Body keys of the notification shape.
const (
	KeyNotificationTitle   = "notificaFacultad"
	KeyNotificationMessage = "datos"
)

// Notification extracts the notification shape. Failures wrap
// ErrMalformedNotificationBody.
func (b Body) Notification() (NotificationBody, error) {
	title, err := b.String(KeyNotificationTitle)
	if err != nil {
		return NotificationBody{}, fmt.Errorf("%w: %v", ErrMalformedNotificationBody, err)
	}
	msg, err := b.String(KeyNotificationMessage)
	if err != nil {
		return NotificationBody{}, fmt.Errorf("%w: %v", ErrMalformedNotificationBody, err)
	}
	return NotificationBody{Title: title, Message: msg}, nil
}

// DetailRef is the typed shape used by detail lookups: datos.idUsuario and
// datos.telefono.
type DetailRef struct {
	UserID int64
	Phone  string
}

// Detail extracts the detail shape, reporting ok=false when the body does not
// carry it.
func (b Body) Detail() (DetailRef, bool) {
	datos, err := b.Map(KeyNotificationMessage)
	if err != nil {
		return DetailRef{}, false
	}
	id, err := datos.Int("idUsuario")
	if err != nil {
		return DetailRef{}, false
	}
	phone, _ := datos.String("telefono")
	return DetailRef{UserID: id, Phone: phone}, true
}

// Clone returns a deep copy of the body.
func (b Body) Clone() Body {
	if b == nil {
		return nil
	}
	return cloneValue(map[string]any(b)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, val := range t {
			cp[k] = cloneValue(val)
		}
		return cp
	case Body:
		return Body(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		cp := make([]any, len(t))
		for i, val := range t {
			cp[i] = cloneValue(val)
		}
		return cp
	default:
		return v
	}
}
