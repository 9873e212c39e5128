package stats

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
)

var testNow = time.Date(2025, 6, 15, 12, 30, 0, 0, time.UTC)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewClientFromRedis(rdb, "audit-1")
	c.now = func() time.Time { return testNow }
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestFlushBatchAndGetStats(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	b := NewBatch("iam")
	b.Add("FULL_STORE", "alice", testNow.Add(-time.Minute))
	b.Add("FULL_STORE", "bob", testNow)
	b.Add("DB_STORE", "alice", testNow.Add(-2*time.Minute))
	require.NoError(t, c.FlushBatch(ctx, b))

	st, err := c.GetStats(ctx, "iam")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalEvents)
	assert.Equal(t, map[string]int64{"FULL_STORE": 2, "DB_STORE": 1}, st.ByEventType)
	assert.Equal(t, int64(3), st.EventsLastHour)
	assert.Equal(t, int64(3), st.EventsLast24h)
	assert.Equal(t, int64(2), st.UniqueUsersToday)
	assert.Equal(t, "bob", st.LastUsername)
	require.NotNil(t, st.LastEventAt)
	assert.Equal(t, testNow.Unix(), st.LastEventAt.Unix())
	assert.Contains(t, st.Instances, "audit-1")

	assert.True(t, mr.Exists("audit:hourly:iam:2025061512"))
	ttl := mr.TTL("audit:daily:iam:20250615")
	assert.Equal(t, 7*24*time.Hour, ttl)
}

func TestGetStats_RollingWindow(t *testing.T) {
	_, c := setupTestRedis(t)
	ctx := context.Background()

	b := NewBatch("cartera")
	b.Add("DB_STORE", "carol", testNow)
	require.NoError(t, c.FlushBatch(ctx, b))

	// three hours later the event is outside the current hour only
	c.now = func() time.Time { return testNow.Add(3 * time.Hour) }
	b = NewBatch("cartera")
	b.Add("DB_STORE", "carol", testNow.Add(3*time.Hour))
	b.Add("DB_STORE", "dave", testNow.Add(3*time.Hour))
	require.NoError(t, c.FlushBatch(ctx, b))

	st, err := c.GetStats(ctx, "cartera")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.EventsLastHour)
	assert.Equal(t, int64(3), st.EventsLast24h)
	assert.Equal(t, int64(3), st.TotalEvents)
}

func TestGetStats_UnknownApplication(t *testing.T) {
	_, c := setupTestRedis(t)
	st, err := c.GetStats(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, st.TotalEvents)
	assert.Nil(t, st.LastEventAt)
}

func TestListApplicationsAndGetAll(t *testing.T) {
	_, c := setupTestRedis(t)
	ctx := context.Background()

	for _, app := range []string{"iam", "cartera"} {
		b := NewBatch(app)
		b.Add("DB_STORE", "alice", testNow)
		require.NoError(t, c.FlushBatch(ctx, b))
	}
	old := NewBatch("legacy")
	old.Add("DB_STORE", "alice", testNow.Add(-48*time.Hour))
	require.NoError(t, c.FlushBatch(ctx, old))

	apps, err := c.ListApplications(ctx, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"iam", "cartera", "legacy"}, apps)

	recent, err := c.ListApplications(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"iam", "cartera"}, recent)

	all, err := c.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, int64(1), all["iam"].TotalEvents)
}

func TestCollector_RecordAndFlush(t *testing.T) {
	_, c := setupTestRedis(t)
	col := NewCollector(c, time.Hour, logging.Discard().Logger)
	defer col.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, col.Record(ctx, &models.Event{ApplicationName: "iam", EventType: models.EventTypeFullStore, Username: "alice", Timestamp: testNow}))
	}
	require.NoError(t, col.Record(ctx, &models.Event{EventType: models.EventTypeDBStore, Timestamp: testNow}))

	assert.Equal(t, map[string]int64{"iam": 3, "unknown": 1}, col.Pending())

	col.FlushNow()
	assert.Empty(t, col.Pending())

	st, err := c.GetStats(ctx, "iam")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalEvents)
}

func TestCollector_FailedFlushIsRetained(t *testing.T) {
	mr, c := setupTestRedis(t)
	col := NewCollector(c, time.Hour, logging.Discard().Logger)
	defer col.Stop()

	require.NoError(t, col.Record(context.Background(), &models.Event{ApplicationName: "iam", EventType: models.EventTypeDBStore, Timestamp: testNow}))

	mr.SetError("LOADING redis is loading")
	col.FlushNow()
	assert.Equal(t, map[string]int64{"iam": 1}, col.Pending())

	mr.SetError("")
	col.FlushNow()
	assert.Empty(t, col.Pending())
}

func TestCollector_StopFlushes(t *testing.T) {
	_, c := setupTestRedis(t)
	col := NewCollector(c, time.Hour, logging.Discard().Logger)

	require.NoError(t, col.Record(context.Background(), &models.Event{ApplicationName: "iam", EventType: models.EventTypeDBStore, Timestamp: testNow}))
	col.Stop()

	st, err := c.GetStats(context.Background(), "iam")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalEvents)
}

func TestBatchMerge(t *testing.T) {
	a := NewBatch("iam")
	a.Add("DB_STORE", "alice", testNow)
	b := NewBatch("iam")
	b.Add("FULL_STORE", "bob", testNow.Add(time.Minute))

	a.Merge(b)
	assert.Equal(t, int64(2), a.EventCount)
	assert.Equal(t, "bob", a.LastUsername)
	assert.Len(t, a.Usernames, 2)
	assert.Equal(t, int64(1), a.ByEventType["FULL_STORE"])
}

func TestCollector_RecordFailure(t *testing.T) {
	mr, c := setupTestRedis(t)
	col := NewCollector(c, time.Hour, logging.Discard().Logger)
	defer col.Stop()

	ctx := context.Background()
	e := &models.Event{ApplicationName: "cartera", EventType: models.EventTypeDBStore, Timestamp: testNow}
	require.NoError(t, col.RecordFailure(ctx, e, "store"))
	require.NoError(t, col.RecordFailure(ctx, e, "store"))
	require.NoError(t, col.RecordFailure(ctx, e, "malformed"))
	col.FlushNow()

	st, err := c.GetStats(ctx, "cartera")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalFailures)
	assert.Equal(t, map[string]int64{"store": 2, "malformed": 1}, st.ByFailure)
	assert.Zero(t, st.TotalEvents)
	assert.False(t, mr.Exists("audit:daily:cartera:20250615"), "failures do not count as traffic")
}

func TestBatchMerge_Failures(t *testing.T) {
	a := NewBatch("iam")
	a.AddFailure("store")
	b := NewBatch("iam")
	b.AddFailure("store")
	b.AddFailure("malformed")

	a.Merge(b)
	assert.Equal(t, int64(3), a.FailureCount)
	assert.Equal(t, int64(2), a.ByFailure["store"])
}
