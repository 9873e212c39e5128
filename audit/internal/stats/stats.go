// Package stats provides Redis-backed per-application audit statistics.
//
// Designed for multiple audit instances writing concurrently. Any instance
// (or the CLI through the admin API) can read the aggregated counters.
//
// Redis Key Structure:
//
//	audit:stats:{app}               - Hash with totals, per event type and failure counts, last event
//	audit:hourly:{app}:{YYYYMMDDHH} - Event count for a specific hour (expires 48h)
//	audit:daily:{app}:{YYYYMMDD}    - Event count for a specific day (expires 7d)
//	audit:users:{app}:{YYYYMMDD}    - Set of usernames seen that day (expires 7d)
//	audit:instances:{app}           - Hash of audit instance -> last seen timestamp
package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	typeFieldPrefix    = "type:"
	failureFieldPrefix = "failure:"
)

// Stats represents current statistics for one application.
type Stats struct {
	Application      string            `json:"application"`
	LastEventAt      *time.Time        `json:"lastEventAt,omitempty"`
	LastUsername     string            `json:"lastUsername,omitempty"`
	TotalEvents      int64             `json:"totalEvents"`
	ByEventType      map[string]int64  `json:"byEventType"`
	TotalFailures    int64             `json:"totalFailures"`
	ByFailure        map[string]int64  `json:"byFailure,omitempty"`
	EventsLastHour   int64             `json:"eventsLastHour"`
	EventsLast24h    int64             `json:"eventsLast24h"`
	UniqueUsersToday int64             `json:"uniqueUsersToday"`
	Instances        map[string]string `json:"instances,omitempty"` // instance_id -> last_seen
	RetrievedAt      time.Time         `json:"retrievedAt"`
}

// Client records and retrieves application statistics.
type Client struct {
	redis      *redis.Client
	instanceID string
	now        func() time.Time
}

// NewClient connects to redisURL. instanceID should be unique per audit
// instance (hostname, pod name).
func NewClient(redisURL string, instanceID string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewClientFromRedis(client, instanceID), nil
}

// NewClientFromRedis creates a client from an existing Redis connection.
func NewClientFromRedis(client *redis.Client, instanceID string) *Client {
	return &Client{
		redis:      client,
		instanceID: instanceID,
		now:        time.Now,
	}
}

// Batch holds accumulated counters for one application.
type Batch struct {
	Application  string
	EventCount   int64
	ByEventType  map[string]int64
	FailureCount int64
	ByFailure    map[string]int64
	Usernames    map[string]struct{}
	LastUsername string
	LastEventAt  time.Time
}

func NewBatch(application string) *Batch {
	return &Batch{
		Application: application,
		ByEventType: make(map[string]int64),
		ByFailure:   make(map[string]int64),
		Usernames:   make(map[string]struct{}),
	}
}

// Add accumulates one event.
func (b *Batch) Add(eventType, username string, at time.Time) {
	b.EventCount++
	b.ByEventType[eventType]++
	if username != "" {
		b.Usernames[username] = struct{}{}
		b.LastUsername = username
	}
	if at.After(b.LastEventAt) {
		b.LastEventAt = at
	}
}

// AddFailure counts one event that could not be processed.
func (b *Batch) AddFailure(reason string) {
	b.FailureCount++
	b.ByFailure[reason]++
}

// Merge folds other into b.
func (b *Batch) Merge(other *Batch) {
	b.EventCount += other.EventCount
	for t, n := range other.ByEventType {
		b.ByEventType[t] += n
	}
	b.FailureCount += other.FailureCount
	for r, n := range other.ByFailure {
		b.ByFailure[r] += n
	}
	for u := range other.Usernames {
		b.Usernames[u] = struct{}{}
	}
	if other.LastEventAt.After(b.LastEventAt) {
		b.LastEventAt = other.LastEventAt
		if other.LastUsername != "" {
			b.LastUsername = other.LastUsername
		}
	}
}

// FlushBatch writes accumulated counters to Redis in one pipeline.
func (c *Client) FlushBatch(ctx context.Context, batch *Batch) error {
	if batch.EventCount == 0 && batch.FailureCount == 0 {
		return nil
	}

	now := c.now()
	hourKey := now.Format("2006010215")
	dayKey := now.Format("20060102")
	nowUnix := strconv.FormatInt(now.Unix(), 10)
	app := batch.Application

	pipe := c.redis.Pipeline()

	statsKey := fmt.Sprintf("audit:stats:%s", app)
	fields := map[string]interface{}{}
	if !batch.LastEventAt.IsZero() {
		fields["last_event_at"] = strconv.FormatInt(batch.LastEventAt.Unix(), 10)
	}
	if batch.LastUsername != "" {
		fields["last_username"] = batch.LastUsername
	}
	if len(fields) > 0 {
		pipe.HSet(ctx, statsKey, fields)
	}
	pipe.HIncrBy(ctx, statsKey, "total_events", batch.EventCount)
	for t, n := range batch.ByEventType {
		pipe.HIncrBy(ctx, statsKey, typeFieldPrefix+t, n)
	}
	if batch.FailureCount > 0 {
		pipe.HIncrBy(ctx, statsKey, "total_failures", batch.FailureCount)
		for r, n := range batch.ByFailure {
			pipe.HIncrBy(ctx, statsKey, failureFieldPrefix+r, n)
		}
	}

	if batch.EventCount > 0 {
		hourlyKey := fmt.Sprintf("audit:hourly:%s:%s", app, hourKey)
		pipe.IncrBy(ctx, hourlyKey, batch.EventCount)
		pipe.Expire(ctx, hourlyKey, 48*time.Hour)

		dailyKey := fmt.Sprintf("audit:daily:%s:%s", app, dayKey)
		pipe.IncrBy(ctx, dailyKey, batch.EventCount)
		pipe.Expire(ctx, dailyKey, 7*24*time.Hour)
	}

	if len(batch.Usernames) > 0 {
		usersKey := fmt.Sprintf("audit:users:%s:%s", app, dayKey)
		users := make([]interface{}, 0, len(batch.Usernames))
		for u := range batch.Usernames {
			users = append(users, u)
		}
		pipe.SAdd(ctx, usersKey, users...)
		pipe.Expire(ctx, usersKey, 7*24*time.Hour)
	}

	instancesKey := fmt.Sprintf("audit:instances:%s", app)
	pipe.HSet(ctx, instancesKey, c.instanceID, nowUnix)
	pipe.Expire(ctx, instancesKey, 24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush batch: %w", err)
	}
	return nil
}

// GetStats retrieves current statistics for an application.
func (c *Client) GetStats(ctx context.Context, application string) (*Stats, error) {
	now := c.now()
	dayKey := now.Format("20060102")

	hourlyKeys := make([]string, 24)
	for i := 0; i < 24; i++ {
		t := now.Add(-time.Duration(i) * time.Hour)
		hourlyKeys[i] = fmt.Sprintf("audit:hourly:%s:%s", application, t.Format("2006010215"))
	}

	pipe := c.redis.Pipeline()
	statsCmd := pipe.HGetAll(ctx, fmt.Sprintf("audit:stats:%s", application))
	hourlyCmds := make([]*redis.StringCmd, len(hourlyKeys))
	for i, key := range hourlyKeys {
		hourlyCmds[i] = pipe.Get(ctx, key)
	}
	usersCmd := pipe.SCard(ctx, fmt.Sprintf("audit:users:%s:%s", application, dayKey))
	instancesCmd := pipe.HGetAll(ctx, fmt.Sprintf("audit:instances:%s", application))

	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	st := &Stats{
		Application: application,
		ByEventType: make(map[string]int64),
		ByFailure:   make(map[string]int64),
		Instances:   make(map[string]string),
		RetrievedAt: now,
	}

	if m, err := statsCmd.Result(); err == nil {
		for k, v := range m {
			switch {
			case k == "last_event_at":
				if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
					t := time.Unix(unix, 0).UTC()
					st.LastEventAt = &t
				}
			case k == "last_username":
				st.LastUsername = v
			case k == "total_events":
				st.TotalEvents, _ = strconv.ParseInt(v, 10, 64)
			case k == "total_failures":
				st.TotalFailures, _ = strconv.ParseInt(v, 10, 64)
			case strings.HasPrefix(k, failureFieldPrefix):
				n, _ := strconv.ParseInt(v, 10, 64)
				st.ByFailure[strings.TrimPrefix(k, failureFieldPrefix)] = n
			case strings.HasPrefix(k, typeFieldPrefix):
				n, _ := strconv.ParseInt(v, 10, 64)
				st.ByEventType[strings.TrimPrefix(k, typeFieldPrefix)] = n
			}
		}
	}

	// index 0 is the current hour
	for i, cmd := range hourlyCmds {
		if val, err := cmd.Int64(); err == nil {
			if i == 0 {
				st.EventsLastHour = val
			}
			st.EventsLast24h += val
		}
	}

	if val, err := usersCmd.Result(); err == nil {
		st.UniqueUsersToday = val
	}

	if instances, err := instancesCmd.Result(); err == nil {
		for instance, lastSeen := range instances {
			if unix, err := strconv.ParseInt(lastSeen, 10, 64); err == nil {
				st.Instances[instance] = time.Unix(unix, 0).UTC().Format(time.RFC3339)
			}
		}
	}

	return st, nil
}

// ListApplications returns applications with recorded events, optionally
// only those seen within since (zero means all).
func (c *Client) ListApplications(ctx context.Context, since time.Duration) ([]string, error) {
	const prefix = "audit:stats:"
	var apps []string
	var cutoff int64
	if since > 0 {
		cutoff = c.now().Add(-since).Unix()
	}

	iter := c.redis.Scan(ctx, 0, prefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		app := strings.TrimPrefix(key, prefix)
		if app == "" {
			continue
		}
		if cutoff > 0 {
			last, err := c.redis.HGet(ctx, key, "last_event_at").Int64()
			if err != nil || last < cutoff {
				continue
			}
		}
		apps = append(apps, app)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan applications: %w", err)
	}
	return apps, nil
}

// GetAll returns statistics for every known application.
func (c *Client) GetAll(ctx context.Context) (map[string]*Stats, error) {
	apps, err := c.ListApplications(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Stats, len(apps))
	for _, app := range apps {
		st, err := c.GetStats(ctx, app)
		if err != nil {
			return nil, err
		}
		out[app] = st
	}
	return out, nil
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.redis.Close()
}
