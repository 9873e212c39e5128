package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	URL string
	// Migrations is a golang-migrate source URL. Empty skips migrations.
	Migrations string
	MaxConns   int32
}

// PostgresRepository stores events in the audit_events table with the body
// as JSONB.
type PostgresRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// RunMigrations applies every pending migration from source to the database.
func RunMigrations(source, databaseURL string) error {
	m, err := migrate.New(source, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// NewPostgres runs migrations when configured and opens a connection pool.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	if cfg.Migrations != "" {
		if err := RunMigrations(cfg.Migrations, cfg.URL); err != nil {
			return nil, unavailable("migrate", err)
		}
	}

	config, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	config.MaxConns = 25
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, unavailable("create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping database", err)
	}
	return &PostgresRepository{pool: pool, now: time.Now}, nil
}

const eventColumns = `id, token, correlation_id, event_type, username, event_name, application_name, event_body, event_time`

func (r *PostgresRepository) Save(ctx context.Context, e *models.Event) (*models.Event, error) {
	stored, err := prepareSave(e)
	if err != nil {
		return nil, err
	}
	body, err := marshalBody(stored.EventBody)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO audit_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.pool.Exec(ctx, query,
		stored.ID, stored.Token, stored.CorrelationID, string(stored.EventType),
		stored.Username, stored.EventName, stored.ApplicationName, body, stored.Timestamp,
	)
	if err != nil {
		return nil, unavailable("insert event", err)
	}
	return stored, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Event, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE id::text = $1`, id)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, unavailable("get event", err)
	}
	return e, nil
}

func (r *PostgresRepository) List(ctx context.Context, q models.EventQuery) (*models.EventPage, error) {
	q = q.Normalize()
	where, args := r.buildWhere(q)

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events `+where, args...).Scan(&total); err != nil {
		return nil, unavailable("count events", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_events %s ORDER BY event_time DESC LIMIT $%d OFFSET $%d`,
		eventColumns, where, len(args)+1, len(args)+2)
	args = append(args, q.Size, q.Offset())

	events, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return models.NewEventPage(events, q, total), nil
}

func (r *PostgresRepository) Count(ctx context.Context, q models.EventQuery) (int64, error) {
	where, args := r.buildWhere(q)
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events `+where, args...).Scan(&total); err != nil {
		return 0, unavailable("count events", err)
	}
	return total, nil
}

func (r *PostgresRepository) FindDetail(ctx context.Context, userID int64, phone string) ([]*models.Event, error) {
	containment, err := json.Marshal(map[string]any{
		models.KeyNotificationMessage: map[string]any{"idUsuario": userID},
	})
	if err != nil {
		return nil, err
	}
	query := `
		SELECT ` + eventColumns + ` FROM audit_events
		WHERE event_body @> $1::jsonb
		  AND COALESCE(event_body #>> '{datos,telefono}', '') LIKE $2 ESCAPE '\'
		ORDER BY event_time DESC
	`
	return r.query(ctx, query, string(containment), likePattern(phone))
}

func (r *PostgresRepository) RecentNotifications(ctx context.Context, username string, since time.Time) ([]*models.Event, error) {
	query := `
		SELECT ` + eventColumns + ` FROM audit_events
		WHERE event_name = $1
		  AND username IN ($2, $3)
		  AND event_time >= $4
		ORDER BY event_time DESC
	`
	return r.query(ctx, query, models.NotificationEventName, username, models.BroadcastUsername, since)
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return unavailable("ping database", r.pool.Ping(ctx))
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) buildWhere(q models.EventQuery) (string, []interface{}) {
	clause := "WHERE 1=1"
	args := []interface{}{}
	argPos := 1

	add := func(column string, f models.TextFilter) {
		if f.Contains {
			clause += fmt.Sprintf(" AND %s ILIKE $%d ESCAPE '\\'", column, argPos)
			args = append(args, likePattern(f.Value))
		} else {
			clause += fmt.Sprintf(" AND %s = $%d", column, argPos)
			args = append(args, f.Value)
		}
		argPos++
	}
	if f, ok := models.ParseTextFilter(q.EventName); ok {
		add("event_name", f)
	}
	if f, ok := models.ParseTextFilter(q.Username); ok {
		add("username", f)
	}
	if since := q.Period.Since(r.now()); !since.IsZero() {
		clause += fmt.Sprintf(" AND event_time >= $%d", argPos)
		args = append(args, since)
	}
	return clause, args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern returns a LIKE pattern matching any value containing s.
func likePattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Event, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query events", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, unavailable("scan event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate events", err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	var (
		e         models.Event
		eventType string
		body      []byte
	)
	err := row.Scan(
		&e.ID, &e.Token, &e.CorrelationID, &eventType,
		&e.Username, &e.EventName, &e.ApplicationName, &body, &e.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	e.EventType = models.EventType(eventType)
	e.Timestamp = e.Timestamp.UTC()
	if len(body) > 0 && string(body) != "null" {
		if err := json.Unmarshal(body, &e.EventBody); err != nil {
			return nil, fmt.Errorf("decode event body: %w", err)
		}
	}
	return &e, nil
}

func marshalBody(b models.Body) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal event body: %w", err)
	}
	return data, nil
}

var _ Repository = (*PostgresRepository)(nil)
