package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/broadcast"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/filemirror"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/repository"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/service"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/stats"
	"github.com/telhawk-systems/telhawk-audit/common/httputil"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
	"github.com/telhawk-systems/telhawk-audit/common/messaging/messagingtest"
)

type fixture struct {
	h    *Handler
	repo *repository.MemoryRepository
	bc   *broadcast.Broadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repository.NewMemory()
	bc := broadcast.New(0)
	t.Cleanup(bc.Close)
	router := service.New(repo, filemirror.New(t.TempDir()), bc, service.WithLogger(logging.Discard().Logger))
	return &fixture{
		h:    New(router, bc, nil, logging.Discard().Logger),
		repo: repo,
		bc:   bc,
	}
}

func (f *fixture) seed(t *testing.T, events ...*models.Event) []*models.Event {
	t.Helper()
	out := make([]*models.Event, 0, len(events))
	for _, e := range events {
		stored, err := f.repo.Save(context.Background(), e)
		require.NoError(t, err)
		out = append(out, stored)
	}
	return out
}

func do(h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestEvents_List(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.seed(t,
		&models.Event{EventType: models.EventTypeDBStore, EventName: "Loan Approved", Username: "alice", Timestamp: now},
		&models.Event{EventType: models.EventTypeDBStore, EventName: "Loan Rejected", Username: "bob", Timestamp: now.Add(-time.Minute)},
		&models.Event{EventType: models.EventTypeDBStore, EventName: "Login", Username: "alice", Timestamp: now.AddDate(0, 0, -10)},
	)

	tests := []struct {
		name  string
		query string
		want  []string
		total int64
	}{
		{name: "all", query: "", want: []string{"Loan Approved", "Loan Rejected", "Login"}, total: 3},
		{name: "exact name", query: "?eventName=Login", want: []string{"Login"}, total: 1},
		{name: "contains name", query: "?eventName=%25loan%25", want: []string{"Loan Approved", "Loan Rejected"}, total: 2},
		{name: "user and week", query: "?username=alice&period=week", want: []string{"Loan Approved"}, total: 1},
		{name: "paged", query: "?size=1&page=1", want: []string{"Loan Rejected"}, total: 3},
		{name: "page past the end", query: "?page=500000000000000000&size=20", want: nil, total: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(f.h.Events, http.MethodGet, "/audit/events"+tt.query, "")
			require.Equal(t, http.StatusOK, rec.Code)
			page := decode[models.EventPage](t, rec)
			var names []string
			for _, e := range page.Events {
				names = append(names, e.EventName)
			}
			assert.Equal(t, tt.want, names)
			assert.Equal(t, tt.total, page.Total)
		})
	}
}

func TestEvents_InvalidPeriod(t *testing.T) {
	f := newFixture(t)
	rec := do(f.h.Events, http.MethodGet, "/audit/events?period=fortnight", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_query", decode[httputil.ErrorResponse](t, rec).Error)
}

func TestEventByPath(t *testing.T) {
	f := newFixture(t)
	stored := f.seed(t,
		&models.Event{EventType: models.EventTypeDBStore, EventName: "Login", Username: "alice", Timestamp: time.Now().UTC()},
		&models.Event{
			EventType: models.EventTypeDBStore,
			EventName: "Alta",
			Username:  "carol",
			EventBody: models.Body{"datos": map[string]any{"idUsuario": float64(7), "telefono": "+52 555 0100"}},
			Timestamp: time.Now().UTC(),
		},
	)

	t.Run("by id", func(t *testing.T) {
		rec := do(f.h.EventByPath, http.MethodGet, "/audit/events/"+stored[0].ID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Login", decode[models.Event](t, rec).EventName)
	})

	t.Run("unknown id", func(t *testing.T) {
		rec := do(f.h.EventByPath, http.MethodGet, "/audit/events/missing", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("count", func(t *testing.T) {
		rec := do(f.h.EventByPath, http.MethodGet, "/audit/events/count?username=alice", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int64(1), decode[map[string]int64](t, rec)["count"])
	})

	t.Run("detail", func(t *testing.T) {
		rec := do(f.h.EventByPath, http.MethodGet, "/audit/events/detail?idUsuario=7&telefono=555", "")
		require.Equal(t, http.StatusOK, rec.Code)
		events := decode[[]models.Event](t, rec)
		require.Len(t, events, 1)
		assert.Equal(t, "carol", events[0].Username)
	})

	t.Run("detail without id", func(t *testing.T) {
		rec := do(f.h.EventByPath, http.MethodGet, "/audit/events/detail?telefono=555", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("nested path", func(t *testing.T) {
		rec := do(f.h.EventByPath, http.MethodGet, "/audit/events/a/b", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("post not allowed", func(t *testing.T) {
		rec := do(f.h.EventByPath, http.MethodPost, "/audit/events/count", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, "GET", rec.Header().Get("Allow"))
	})
}

func TestEvents_Ingest(t *testing.T) {
	f := newFixture(t)

	rec := do(f.h.Events, http.MethodPost, "/audit/events",
		`{"eventType":"DB_STORE","username":"alice","eventName":"Login","applicationName":"iam","eventBody":{}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	out := decode[models.Event](t, rec)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, 1, f.repo.Len())

	rec = do(f.h.Events, http.MethodPost, "/audit/events", `{"username":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "decode_failure", decode[httputil.ErrorResponse](t, rec).Error)

	rec = do(f.h.Events, http.MethodPost, "/audit/events", `{"eventType":"FILE_STORE","applicationName":"iam"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, f.repo.Len())
}

func TestNotify(t *testing.T) {
	f := newFixture(t)
	sub := f.bc.Subscribe()
	defer sub.Close()

	rec := do(f.h.Notify, http.MethodPost, "/audit/notify",
		`{"eventType":"DB_STORE","username":"alice","eventName":"NOTIFICACION","applicationName":"cartera",`+
			`"eventBody":{"notificaFacultad":"Loan Approved","datos":"Your loan was approved"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	n := decode[models.Notification](t, rec)
	assert.Equal(t, "Loan Approved", n.Title)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	rec = do(f.h.Notify, http.MethodPost, "/audit/notify",
		`{"eventType":"DB_STORE","username":"alice","eventBody":{"datos":"no title"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	// malformed notifications are still stored
	assert.Equal(t, 2, f.repo.Len())
}

func TestNotifications_RecentForUser(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	note := func(user string, at time.Time) *models.Event {
		return &models.Event{
			EventType: models.EventTypeDBStore,
			EventName: models.NotificationEventName,
			Username:  user,
			Timestamp: at,
		}
	}
	f.seed(t, note("alice", now), note("*", now.Add(-time.Hour)), note("bob", now), note("alice", now.AddDate(0, 0, -8)))

	rec := do(f.h.Notifications, http.MethodGet, "/audit/notifications?username=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]models.Event](t, rec)
	require.Len(t, events, 2)
	assert.Equal(t, "alice", events[0].Username)
	assert.Equal(t, "*", events[1].Username)

	rec = do(f.h.Notifications, http.MethodGet, "/audit/notifications", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type failingRepo struct {
	*repository.MemoryRepository
}

func (failingRepo) List(context.Context, models.EventQuery) (*models.EventPage, error) {
	return nil, errors.Join(models.ErrStoreUnavailable, errors.New("connection refused"))
}

func (failingRepo) Ping(context.Context) error { return errors.New("connection refused") }

func TestStoreUnavailable(t *testing.T) {
	bc := broadcast.New(0)
	defer bc.Close()
	router := service.New(failingRepo{repository.NewMemory()}, nil, bc)
	h := New(router, bc, nil, logging.Discard().Logger)

	rec := do(h.Events, http.MethodGet, "/audit/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(h.Ready, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "DOWN", decode[map[string]string](t, rec)["status"])
}

// deadlineRepo records the deadline each read was given.
type deadlineRepo struct {
	*repository.MemoryRepository
	deadlines []time.Duration
}

func (d *deadlineRepo) record(ctx context.Context) {
	dl, ok := ctx.Deadline()
	if !ok {
		d.deadlines = append(d.deadlines, 0)
		return
	}
	d.deadlines = append(d.deadlines, time.Until(dl))
}

func (d *deadlineRepo) List(ctx context.Context, q models.EventQuery) (*models.EventPage, error) {
	d.record(ctx)
	return d.MemoryRepository.List(ctx, q)
}

func (d *deadlineRepo) Count(ctx context.Context, q models.EventQuery) (int64, error) {
	d.record(ctx)
	return d.MemoryRepository.Count(ctx, q)
}

func (d *deadlineRepo) FindDetail(ctx context.Context, userID int64, phone string) ([]*models.Event, error) {
	d.record(ctx)
	return d.MemoryRepository.FindDetail(ctx, userID, phone)
}

func (d *deadlineRepo) RecentNotifications(ctx context.Context, username string, since time.Time) ([]*models.Event, error) {
	d.record(ctx)
	return d.MemoryRepository.RecentNotifications(ctx, username, since)
}

func TestQueries_AreBounded(t *testing.T) {
	repo := &deadlineRepo{MemoryRepository: repository.NewMemory()}
	bc := broadcast.New(0)
	defer bc.Close()
	h := New(service.New(repo, nil, bc), bc, nil, logging.Discard().Logger)

	for _, target := range []string{
		"/audit/events",
		"/audit/events/count",
		"/audit/events/detail?idUsuario=1",
	} {
		rec := do(h.Events, http.MethodGet, target, "")
		require.Equal(t, http.StatusOK, rec.Code, target)
	}
	rec := do(h.Notifications, http.MethodGet, "/audit/notifications?username=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, repo.deadlines, 4)
	for _, left := range repo.deadlines {
		assert.Greater(t, left, time.Duration(0))
		assert.LessOrEqual(t, left, repository.DefaultQueryTimeout)
	}
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, do(f.h.Health, http.MethodGet, "/healthz", "").Code)

	rec := do(f.h.Ready, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "UP", decode[map[string]string](t, rec)["status"])
}

func TestReady_Broker(t *testing.T) {
	f := newFixture(t)
	bus := messagingtest.New()
	f.h.SetBus(bus)

	rec := do(f.h.Ready, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["broker"].(map[string]any)["connected"])

	bus.SetConnected(false)
	rec = do(f.h.Ready, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body = decode[map[string]any](t, rec)
	assert.Equal(t, "DOWN", body["status"])
	assert.Equal(t, "not connected to message broker", body["broker"].(map[string]any)["error"])
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := stats.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "audit-test")
	f.h.stats = client

	b := stats.NewBatch("iam")
	b.Add("DB_STORE", "alice", time.Now())
	require.NoError(t, client.FlushBatch(context.Background(), b))

	do(f.h.Events, http.MethodPost, "/audit/events", `{"eventType":"DB_STORE","applicationName":"iam"}`)

	rec := do(f.h.Stats, http.MethodGet, "/audit/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[StatsResponse](t, rec)
	assert.Equal(t, uint64(1), resp.Router.Processed)
	assert.True(t, resp.Mirror.Enabled)
	assert.Equal(t, broadcast.DefaultCapacity, resp.Broadcaster.Capacity)
	require.Contains(t, resp.Applications, "iam")
	assert.Equal(t, int64(1), resp.Applications["iam"].TotalEvents)
}

func TestStream(t *testing.T) {
	f := newFixture(t)
	f.h.heartbeat = 50 * time.Millisecond
	srv := httptest.NewServer(http.HandlerFunc(f.h.Stream))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?username=alice", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, ": connected", lines.Text())

	f.bc.Publish(models.Notification{Username: "bob", Title: "hidden"})
	f.bc.Publish(models.Notification{Username: "alice", Title: "Loan Approved"})
	f.bc.Publish(models.Notification{Username: models.BroadcastUsername, Title: "Maintenance"})

	var data []string
	pinged := false
	for len(data) < 2 && lines.Scan() {
		line := lines.Text()
		switch {
		case line == ": ping":
			pinged = true
		case strings.HasPrefix(line, "data: "):
			var n models.Notification
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &n))
			data = append(data, n.Title)
		}
	}
	assert.Equal(t, []string{"Loan Approved", "Maintenance"}, data)

	for !pinged && lines.Scan() {
		pinged = lines.Text() == ": ping"
	}
	assert.True(t, pinged)
}

func TestStream_BroadcasterClosed(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(f.h.Stream))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	f.bc.Close()

	var got []string
	for lines.Scan() {
		got = append(got, lines.Text())
	}
	assert.Contains(t, got, "event: close")
}
