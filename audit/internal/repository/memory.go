package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

// MemoryRepository keeps events in process memory. It backs local runs and
// tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	events []*models.Event // insertion order
	byID   map[string]*models.Event
	now    func() time.Time
}

// NewMemory returns an empty MemoryRepository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		byID: make(map[string]*models.Event),
		now:  time.Now,
	}
}

// WithClock overrides the clock used for period filters.
func (r *MemoryRepository) WithClock(now func() time.Time) *MemoryRepository {
	r.now = now
	return r
}

func (r *MemoryRepository) Save(ctx context.Context, e *models.Event) (*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("save", err)
	}
	stored, err := prepareSave(e)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.events = append(r.events, stored)
	r.byID[stored.ID] = stored
	r.mu.Unlock()

	return stored.Clone(), nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return e.Clone(), nil
}

func (r *MemoryRepository) filter(match func(*models.Event) bool) []*models.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Event
	for _, e := range r.events {
		if match(e) {
			out = append(out, e.Clone())
		}
	}
	sortNewestFirst(out)
	return out
}

func (r *MemoryRepository) List(ctx context.Context, q models.EventQuery) (*models.EventPage, error) {
	q = q.Normalize()
	now := r.now()
	all := r.filter(func(e *models.Event) bool { return q.Matches(e, now) })

	total := int64(len(all))
	start := q.Offset()
	if start < 0 || start > len(all) {
		start = len(all)
	}
	end := start + q.Size
	if end > len(all) {
		end = len(all)
	}
	return models.NewEventPage(all[start:end], q, total), nil
}

func (r *MemoryRepository) Count(ctx context.Context, q models.EventQuery) (int64, error) {
	now := r.now()
	return int64(len(r.filter(func(e *models.Event) bool { return q.Matches(e, now) }))), nil
}

func (r *MemoryRepository) FindDetail(ctx context.Context, userID int64, phone string) ([]*models.Event, error) {
	return r.filter(func(e *models.Event) bool {
		ref, ok := e.EventBody.Detail()
		return ok && ref.UserID == userID && strings.Contains(ref.Phone, phone)
	}), nil
}

func (r *MemoryRepository) RecentNotifications(ctx context.Context, username string, since time.Time) ([]*models.Event, error) {
	return r.filter(func(e *models.Event) bool {
		return e.EventName == models.NotificationEventName &&
			!e.Timestamp.Before(since) &&
			(e.Username == username || e.Username == models.BroadcastUsername)
	}), nil
}

// Len returns the number of stored events.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

func (r *MemoryRepository) Ping(ctx context.Context) error { return nil }

func (r *MemoryRepository) Close() error { return nil }

var _ Repository = (*MemoryRepository)(nil)
