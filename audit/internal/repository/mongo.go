package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

const colEvents = "audit_events"

// MongoConfig configures the MongoDB backend.
type MongoConfig struct {
	URI      string
	Database string
}

// MongoRepository stores events as documents keyed by their id.
type MongoRepository struct {
	client *mongod.Client
	col    *mongod.Collection
	now    func() time.Time
}

// NewMongo connects to MongoDB and creates the collection indexes.
func NewMongo(ctx context.Context, cfg MongoConfig) (*MongoRepository, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, unavailable("ping mongo", err)
	}

	db := cfg.Database
	if db == "" {
		db = "audit"
	}
	r := &MongoRepository{
		client: client,
		col:    client.Database(db).Collection(colEvents),
		now:    time.Now,
	}
	if err := r.migrate(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return r, nil
}

func (r *MongoRepository) migrate(ctx context.Context) error {
	_, err := r.col.Indexes().CreateMany(ctx, []mongod.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "eventName", Value: 1}, {Key: "username", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "eventBody.datos.idUsuario", Value: 1}}},
	})
	if err != nil {
		return unavailable("create mongo indexes", err)
	}
	return nil
}

func (r *MongoRepository) Save(ctx context.Context, e *models.Event) (*models.Event, error) {
	stored, err := prepareSave(e)
	if err != nil {
		return nil, err
	}
	if _, err := r.col.InsertOne(ctx, stored); err != nil {
		return nil, unavailable("insert event", err)
	}
	return stored, nil
}

func (r *MongoRepository) Get(ctx context.Context, id string) (*models.Event, error) {
	var e models.Event
	err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&e)
	if err != nil {
		if isNoDocuments(err) {
			return nil, models.ErrNotFound
		}
		return nil, unavailable("get event", err)
	}
	normalizeEvent(&e)
	return &e, nil
}

func (r *MongoRepository) List(ctx context.Context, q models.EventQuery) (*models.EventPage, error) {
	q = q.Normalize()
	filter := r.buildFilter(q)

	total, err := r.col.CountDocuments(ctx, filter)
	if err != nil {
		return nil, unavailable("count events", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetSkip(int64(q.Offset())).
		SetLimit(int64(q.Size))
	events, err := r.find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return models.NewEventPage(events, q, total), nil
}

func (r *MongoRepository) Count(ctx context.Context, q models.EventQuery) (int64, error) {
	n, err := r.col.CountDocuments(ctx, r.buildFilter(q))
	if err != nil {
		return 0, unavailable("count events", err)
	}
	return n, nil
}

func (r *MongoRepository) FindDetail(ctx context.Context, userID int64, phone string) ([]*models.Event, error) {
	filter := bson.M{"eventBody.datos.idUsuario": userID}
	if phone != "" {
		filter["eventBody.datos.telefono"] = bson.Regex{Pattern: regexp.QuoteMeta(phone)}
	}
	return r.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}))
}

func (r *MongoRepository) RecentNotifications(ctx context.Context, username string, since time.Time) ([]*models.Event, error) {
	filter := bson.M{
		"eventName": models.NotificationEventName,
		"username":  bson.M{"$in": bson.A{username, models.BroadcastUsername}},
		"timestamp": bson.M{"$gte": since.UTC()},
	}
	return r.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}))
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	return unavailable("ping mongo", r.client.Ping(ctx, nil))
}

func (r *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultQueryTimeout)
	defer cancel()
	return r.client.Disconnect(ctx)
}

func (r *MongoRepository) buildFilter(q models.EventQuery) bson.M {
	filter := bson.M{}
	if f, ok := models.ParseTextFilter(q.EventName); ok {
		filter["eventName"] = textFilter(f)
	}
	if f, ok := models.ParseTextFilter(q.Username); ok {
		filter["username"] = textFilter(f)
	}
	if since := q.Period.Since(r.now()); !since.IsZero() {
		filter["timestamp"] = bson.M{"$gte": since.UTC()}
	}
	return filter
}

func textFilter(f models.TextFilter) any {
	if f.Contains {
		return bson.Regex{Pattern: regexp.QuoteMeta(f.Value), Options: "i"}
	}
	return f.Value
}

func (r *MongoRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]*models.Event, error) {
	cur, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, unavailable("find events", err)
	}
	defer cur.Close(ctx)

	var events []*models.Event
	if err := cur.All(ctx, &events); err != nil {
		return nil, unavailable("decode events", err)
	}
	for _, e := range events {
		normalizeEvent(e)
	}
	return events, nil
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// normalizeEvent converts the BSON container types the driver decodes nested
// documents into back to plain maps and slices.
func normalizeEvent(e *models.Event) {
	if e.EventBody != nil {
		e.EventBody = models.Body(normalizeBSON(map[string]any(e.EventBody)).(map[string]any))
	}
	e.Timestamp = e.Timestamp.UTC()
}

func normalizeBSON(v any) any {
	switch t := v.(type) {
	case bson.D:
		m := make(map[string]any, len(t))
		for _, el := range t {
			m[el.Key] = normalizeBSON(el.Value)
		}
		return m
	case bson.M:
		return normalizeBSON(map[string]any(t))
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = normalizeBSON(val)
		}
		return m
	case bson.A:
		return normalizeBSON([]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeBSON(val)
		}
		return out
	default:
		return v
	}
}

var _ Repository = (*MongoRepository)(nil)
