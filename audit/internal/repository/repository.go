// Package repository is the persistence gateway for audit events. Backends
// share the Repository contract: Save assigns the store id and returns the
// persisted copy; backend failures wrap models.ErrStoreUnavailable.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

// Repository persists and queries audit events. Implementations are safe for
// concurrent use.
type Repository interface {
	// Save stores e under a new store-assigned id and returns the stored copy.
	Save(ctx context.Context, e *models.Event) (*models.Event, error)
	// Get returns the event with the given id or models.ErrNotFound.
	Get(ctx context.Context, id string) (*models.Event, error)
	// List returns one page of events matching q, newest first.
	List(ctx context.Context, q models.EventQuery) (*models.EventPage, error)
	// Count returns how many events match q.
	Count(ctx context.Context, q models.EventQuery) (int64, error)
	// FindDetail returns events whose body datos.idUsuario equals userID and
	// whose datos.telefono contains phone.
	FindDetail(ctx context.Context, userID int64, phone string) ([]*models.Event, error)
	// RecentNotifications returns notification events addressed to username
	// or to everyone, not older than since, newest first.
	RecentNotifications(ctx context.Context, username string, since time.Time) ([]*models.Event, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by configuration.
const (
	BackendMemory     = "memory"
	BackendOpenSearch = "opensearch"
	BackendMongo      = "mongo"
	BackendPostgres   = "postgres"
)

// Timeouts for administrative reads. Saves use the caller's context only.
const (
	DefaultQueryTimeout = 5 * time.Second
	DefaultSetupTimeout = 30 * time.Second
)

// QueryContext derives a context bounded by DefaultQueryTimeout.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultQueryTimeout)
}

// unavailable wraps a backend failure as ErrStoreUnavailable. Context
// cancellation by the caller is returned unchanged.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}

// prepareSave returns the copy of e to be stored, carrying a fresh id.
func prepareSave(e *models.Event) (*models.Event, error) {
	if e == nil {
		return nil, errors.New("save: nil event")
	}
	stored := e.Clone()
	stored.ID = uuid.New().String()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	return stored, nil
}

// sortNewestFirst orders events by timestamp, newest first.
func sortNewestFirst(events []*models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
