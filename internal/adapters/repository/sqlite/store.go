// Package sqlite is the default on-disk presence store.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/okian/presence/internal/adapters/repository"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/pkg/logger"
	"github.com/okian/presence/pkg/metrics"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store persists events and rosters in one SQLite file. A sidecar lock
// file keeps a second process from writing the same database, so the
// cooldown cannot be bypassed by running two recorders.
type Store struct {
	db     *sql.DB
	path   string
	lock   *flock.Flock
	now    func() time.Time
	logger logger.Logger
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

// Open opens or creates the database at path, takes the process lock and
// applies pending migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("store.sqlite")
	}

	s.lock = flock.New(path + ".lock")
	ok, err := s.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrLocked, path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		_ = s.lock.Unlock()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			_ = s.lock.Unlock()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	s.db = db

	if err := s.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.logger.Info(ctx, "sqlite store opened", logger.String("path", path))
	return s, nil
}

// Close closes the database and releases the lock.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sqlite db: %w", err))
		}
		s.db = nil
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
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
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", file, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
		s.logger.Debug(ctx, "migration applied", logger.String("version", file))
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) usable() error {
	if s.db == nil {
		return repository.ErrClosed
	}
	return nil
}

// Insert implements repository.EventStore.
func (s *Store) Insert(ctx context.Context, tenantID, identityID string, distance float64) (model.PresenceEvent, error) {
	if err := s.usable(); err != nil {
		return model.PresenceEvent{}, err
	}
	if strings.TrimSpace(identityID) == "" {
		return model.PresenceEvent{}, repository.ErrInvalidIdentity
	}
	ev := model.PresenceEvent{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		TenantID:   tenantID,
		Timestamp:  s.now().UTC().Truncate(time.Millisecond),
		Distance:   distance,
	}
	start := time.Now()
	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO presence_events (id, identity_id, tenant_id, ts_ms, distance) VALUES (?, ?, ?, ?, ?)`,
			ev.ID, ev.IdentityID, ev.TenantID, ev.Timestamp.UnixMilli(), ev.Distance)
		return err
	})
	metrics.RecordStoreLatency("insert", float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		return model.PresenceEvent{}, fmt.Errorf("insert presence event: %w", err)
	}
	return ev, nil
}

// LastEventFor implements repository.EventStore.
func (s *Store) LastEventFor(ctx context.Context, identityID string) (*model.PresenceEvent, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, identity_id, tenant_id, ts_ms, distance FROM presence_events
		 WHERE identity_id = ? ORDER BY ts_ms DESC LIMIT 1`, identityID)
	ev, err := scanEvent(row)
	metrics.RecordStoreLatency("last_event", float64(time.Since(start).Microseconds())/1000)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last event: %w", err)
	}
	return &ev, nil
}

// List implements repository.EventStore.
func (s *Store) List(ctx context.Context, f repository.Filter) ([]model.PresenceEvent, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.IdentityID != "" {
		where = append(where, "identity_id = ?")
		args = append(args, f.IdentityID)
	}
	query := "SELECT id, identity_id, tenant_id, ts_ms, distance FROM presence_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts_ms DESC LIMIT ?"
	args = append(args, f.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []model.PresenceEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (model.PresenceEvent, error) {
	var (
		ev model.PresenceEvent
		ms int64
	)
	if err := row.Scan(&ev.ID, &ev.IdentityID, &ev.TenantID, &ms, &ev.Distance); err != nil {
		return model.PresenceEvent{}, err
	}
	ev.Timestamp = time.UnixMilli(ms).UTC()
	return ev, nil
}

// Roster implements repository.RosterSource.
func (s *Store) Roster(ctx context.Context, tenantID string) ([]model.Identity, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.display_name, e.vector
		FROM identities i
		LEFT JOIN identity_embeddings e ON e.tenant_id = i.tenant_id AND e.identity_id = i.id
		WHERE i.tenant_id = ?
		ORDER BY i.id, e.position`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	var out []model.Identity
	for rows.Next() {
		var (
			id, name string
			blob     []byte
		)
		if err := rows.Scan(&id, &name, &blob); err != nil {
			return nil, fmt.Errorf("scan roster row: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, model.Identity{ID: id, DisplayName: name})
		}
		if blob != nil {
			last := &out[len(out)-1]
			last.Embeddings = append(last.Embeddings, decodeVector(blob))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roster: %w", err)
	}
	return out, nil
}

// SaveIdentity implements repository.RosterWriter.
func (s *Store) SaveIdentity(ctx context.Context, tenantID string, id model.Identity) error {
	if err := s.usable(); err != nil {
		return err
	}
	if strings.TrimSpace(id.ID) == "" {
		return repository.ErrInvalidIdentity
	}
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: identity %s", repository.ErrInvalidTenant, id.ID)
	}
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO identities (tenant_id, id, display_name) VALUES (?, ?, ?)
			ON CONFLICT (tenant_id, id) DO UPDATE SET display_name = excluded.display_name`,
			tenantID, id.ID, id.DisplayName); err != nil {
			return fmt.Errorf("upsert identity: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM identity_embeddings WHERE tenant_id = ? AND identity_id = ?`, tenantID, id.ID); err != nil {
			return fmt.Errorf("clear embeddings: %w", err)
		}
		for pos, e := range id.Embeddings {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO identity_embeddings (tenant_id, identity_id, position, dim, vector) VALUES (?, ?, ?, ?, ?)`,
				tenantID, id.ID, pos, len(e), encodeVector(e)); err != nil {
				return fmt.Errorf("insert embedding: %w", err)
			}
		}
		return tx.Commit()
	})
}

// encodeVector stores float32 values little endian.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

var _ repository.Store = (*Store)(nil)
