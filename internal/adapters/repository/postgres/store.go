// Package postgres stores presence events and rosters in PostgreSQL, with
// embeddings in pgvector columns.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/okian/presence/internal/adapters/repository"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/pkg/logger"
	"github.com/okian/presence/pkg/metrics"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultMaxOpenConns = 10
	defaultMaxIdleConns = 4
	pingTimeout         = 10 * time.Second
	uniqueViolation     = "23505"
)

// Store is a repository.Store over a PostgreSQL pool.
type Store struct {
	db           *sql.DB
	now          func() time.Time
	logger       logger.Logger
	maxOpenConns int
	maxIdleConns int
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp inserted events.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPoolSize sets the connection pool limits.
func WithPoolSize(maxOpen, maxIdle int) Option {
	return func(s *Store) {
		if maxOpen > 0 {
			s.maxOpenConns = maxOpen
		}
		if maxIdle >= 0 {
			s.maxIdleConns = maxIdle
		}
	}
}

// Open connects to dsn, verifies the connection and applies migrations.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("database URL is required")
	}
	s := &Store{
		now:          time.Now,
		maxOpenConns: defaultMaxOpenConns,
		maxIdleConns: defaultMaxIdleConns,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("store.postgres")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConns)
	db.SetMaxIdleConns(s.maxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s.db = db

	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info(ctx, "postgres store opened")
	return s, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("closing database connection: %w", err)
		}
	}
	return nil
}

// Migrate applies all pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate applied migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") && !applied[e.Name()] {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrationsFS.ReadFile("migrations/" + file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", file); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
		s.logger.Info(ctx, "migration applied", logger.String("version", file))
	}
	return nil
}

// Insert implements repository.EventStore.
func (s *Store) Insert(ctx context.Context, tenantID, identityID string, distance float64) (model.PresenceEvent, error) {
	if strings.TrimSpace(identityID) == "" {
		return model.PresenceEvent{}, repository.ErrInvalidIdentity
	}
	ev := model.PresenceEvent{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		TenantID:   tenantID,
		Timestamp:  s.now().UTC().Truncate(time.Microsecond),
		Distance:   distance,
	}
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presence_events (id, identity_id, tenant_id, ts, distance) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.IdentityID, ev.TenantID, ev.Timestamp, ev.Distance)
	metrics.RecordStoreLatency("insert", float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return model.PresenceEvent{}, fmt.Errorf("insert presence event: duplicate id %s: %w", ev.ID, err)
		}
		return model.PresenceEvent{}, fmt.Errorf("insert presence event: %w", err)
	}
	return ev, nil
}

// LastEventFor implements repository.EventStore.
func (s *Store) LastEventFor(ctx context.Context, identityID string) (*model.PresenceEvent, error) {
	start := time.Now()
	var ev model.PresenceEvent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, identity_id, tenant_id, ts, distance FROM presence_events
		WHERE identity_id = $1 ORDER BY ts DESC LIMIT 1`, identityID).
		Scan(&ev.ID, &ev.IdentityID, &ev.TenantID, &ev.Timestamp, &ev.Distance)
	metrics.RecordStoreLatency("last_event", float64(time.Since(start).Microseconds())/1000)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last event: %w", err)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return &ev, nil
}

// List implements repository.EventStore.
func (s *Store) List(ctx context.Context, f repository.Filter) ([]model.PresenceEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if f.IdentityID != "" {
		args = append(args, f.IdentityID)
		where = append(where, fmt.Sprintf("identity_id = $%d", len(args)))
	}
	query := "SELECT id, identity_id, tenant_id, ts, distance FROM presence_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []model.PresenceEvent
	for rows.Next() {
		var ev model.PresenceEvent
		if err := rows.Scan(&ev.ID, &ev.IdentityID, &ev.TenantID, &ev.Timestamp, &ev.Distance); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Roster implements repository.RosterSource.
func (s *Store) Roster(ctx context.Context, tenantID string) ([]model.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.display_name, e.embedding
		FROM identities i
		LEFT JOIN identity_embeddings e ON e.tenant_id = i.tenant_id AND e.identity_id = i.id
		WHERE i.tenant_id = $1
		ORDER BY i.id, e.position`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	var out []model.Identity
	for rows.Next() {
		var (
			id, name string
			vec      sql.Null[pgvector.Vector]
		)
		if err := rows.Scan(&id, &name, &vec); err != nil {
			return nil, fmt.Errorf("scan roster row: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, model.Identity{ID: id, DisplayName: name})
		}
		if vec.Valid {
			last := &out[len(out)-1]
			last.Embeddings = append(last.Embeddings, vec.V.Slice())
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roster: %w", err)
	}
	return out, nil
}

// SaveIdentity implements repository.RosterWriter.
func (s *Store) SaveIdentity(ctx context.Context, tenantID string, id model.Identity) error {
	if strings.TrimSpace(id.ID) == "" {
		return repository.ErrInvalidIdentity
	}
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: identity %s", repository.ErrInvalidTenant, id.ID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO identities (tenant_id, id, display_name) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, id) DO UPDATE SET display_name = EXCLUDED.display_name`,
		tenantID, id.ID, id.DisplayName); err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM identity_embeddings WHERE tenant_id = $1 AND identity_id = $2`, tenantID, id.ID); err != nil {
		return fmt.Errorf("clear embeddings: %w", err)
	}
	for pos, e := range id.Embeddings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO identity_embeddings (tenant_id, identity_id, position, embedding) VALUES ($1, $2, $3, $4)`,
			tenantID, id.ID, pos, pgvector.NewVector(e)); err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit identity: %w", err)
	}
	return nil
}

// DeleteIdentities removes identities of tenant by id.
func (s *Store) DeleteIdentities(ctx context.Context, tenantID string, ids []string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM identities WHERE tenant_id = $1 AND id = ANY($2)`, tenantID, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete identities: %w", err)
	}
	return res.RowsAffected()
}

var _ repository.Store = (*Store)(nil)
