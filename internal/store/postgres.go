package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velesio/atrium/internal/domain"
)

// PostgresStore persists all coordinator entities. Entities are stored as
// JSONB documents with the columns the coordinator filters or orders by
// extracted alongside.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and bootstraps the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tags (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS engine_types (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS engines (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS hosts (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			internal_name TEXT NOT NULL UNIQUE,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workstations (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			engine_internal_name TEXT,
			data JSONB NOT NULL
		)`,
		// engine_internal_name is unique while the workstation is live.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workstations_live_name
			ON workstations (engine_internal_name)
			WHERE status <> 'Archived' AND engine_internal_name IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			request_date TIMESTAMPTZ NOT NULL,
			workstation_id TEXT,
			data JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_request_date ON reservations (request_date ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_workstation ON reservations (workstation_id)`,
		`CREATE TABLE IF NOT EXISTS proxy_mappings (
			id TEXT PRIMARY KEY,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			data JSONB NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func scanDoc[T any](row pgx.Row) (*T, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return out, nil
}

func listDocs[T any](ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]*T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		item := new(T)
		if err := json.Unmarshal(data, item); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveTag(ctx context.Context, tag *domain.Tag) error {
	data, err := json.Marshal(tag)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tags (id, name, data) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = $2, data = $3`,
		tag.ID, tag.Name, data)
	return err
}

func (s *PostgresStore) GetTag(ctx context.Context, id string) (*domain.Tag, error) {
	return scanDoc[domain.Tag](s.pool.QueryRow(ctx, `SELECT data FROM tags WHERE id = $1`, id))
}

func (s *PostgresStore) GetTagByName(ctx context.Context, name string) (*domain.Tag, error) {
	return scanDoc[domain.Tag](s.pool.QueryRow(ctx, `SELECT data FROM tags WHERE name = $1`, name))
}

func (s *PostgresStore) ListTags(ctx context.Context) ([]*domain.Tag, error) {
	return listDocs[domain.Tag](ctx, s.pool, `SELECT data FROM tags ORDER BY name`)
}

func (s *PostgresStore) SaveEngineType(ctx context.Context, et *domain.EngineType) error {
	data, err := json.Marshal(et)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO engine_types (id, name, data) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = $2, data = $3`,
		et.ID, et.Name, data)
	return err
}

func (s *PostgresStore) GetEngineType(ctx context.Context, id string) (*domain.EngineType, error) {
	return scanDoc[domain.EngineType](s.pool.QueryRow(ctx, `SELECT data FROM engine_types WHERE id = $1`, id))
}

func (s *PostgresStore) ListEngineTypes(ctx context.Context) ([]*domain.EngineType, error) {
	return listDocs[domain.EngineType](ctx, s.pool, `SELECT data FROM engine_types ORDER BY name`)
}

func (s *PostgresStore) SaveEngine(ctx context.Context, e *domain.Engine) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO engines (id, data) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET data = $2`,
		e.ID, data)
	return err
}

func (s *PostgresStore) GetEngine(ctx context.Context, id string) (*domain.Engine, error) {
	return scanDoc[domain.Engine](s.pool.QueryRow(ctx, `SELECT data FROM engines WHERE id = $1`, id))
}

func (s *PostgresStore) ListEngines(ctx context.Context) ([]*domain.Engine, error) {
	return listDocs[domain.Engine](ctx, s.pool, `SELECT data FROM engines ORDER BY seq ASC`)
}

func (s *PostgresStore) SaveHost(ctx context.Context, h *domain.Host) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO hosts (id, data) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET data = $2`,
		h.ID, data)
	return err
}

func (s *PostgresStore) ListHosts(ctx context.Context) ([]*domain.Host, error) {
	return listDocs[domain.Host](ctx, s.pool, `SELECT data FROM hosts ORDER BY seq ASC`)
}

func (s *PostgresStore) GetHostForEngine(ctx context.Context, engineID string) (*domain.Host, error) {
	return scanDoc[domain.Host](s.pool.QueryRow(ctx,
		`SELECT data FROM hosts WHERE data->'engine_ids' ? $1 ORDER BY seq ASC LIMIT 1`,
		engineID))
}

func (s *PostgresStore) SaveTemplate(ctx context.Context, t *domain.Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO templates (id, internal_name, data) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET internal_name = $2, data = $3`,
		t.ID, t.InternalName, data)
	return err
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*domain.Template, error) {
	return scanDoc[domain.Template](s.pool.QueryRow(ctx, `SELECT data FROM templates WHERE id = $1`, id))
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]*domain.Template, error) {
	return listDocs[domain.Template](ctx, s.pool, `SELECT data FROM templates ORDER BY seq ASC`)
}

func (s *PostgresStore) SaveWorkstation(ctx context.Context, w *domain.Workstation) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	var name *string
	if w.EngineInternalName != "" {
		name = &w.EngineInternalName
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workstations (id, status, engine_internal_name, data) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET status = $2, engine_internal_name = $3, data = $4`,
		w.ID, string(w.Status), name, data)
	return err
}

func (s *PostgresStore) GetWorkstation(ctx context.Context, id string) (*domain.Workstation, error) {
	return scanDoc[domain.Workstation](s.pool.QueryRow(ctx, `SELECT data FROM workstations WHERE id = $1`, id))
}

func (s *PostgresStore) GetWorkstationByInternalName(ctx context.Context, name string) (*domain.Workstation, error) {
	if name == "" {
		return nil, ErrNotFound
	}
	return scanDoc[domain.Workstation](s.pool.QueryRow(ctx,
		`SELECT data FROM workstations WHERE engine_internal_name = $1 LIMIT 1`, name))
}

func (s *PostgresStore) SaveReservation(ctx context.Context, r *domain.Reservation) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var wid *string
	if r.WorkstationID != "" {
		wid = &r.WorkstationID
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO reservations (id, status, request_date, workstation_id, data) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET status = $2, request_date = $3, workstation_id = $4, data = $5`,
		r.ID, string(r.Status), r.RequestDate, wid, data)
	return err
}

func (s *PostgresStore) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return scanDoc[domain.Reservation](s.pool.QueryRow(ctx, `SELECT data FROM reservations WHERE id = $1`, id))
}

func (s *PostgresStore) ListReservations(ctx context.Context) ([]*domain.Reservation, error) {
	return listDocs[domain.Reservation](ctx, s.pool,
		`SELECT data FROM reservations ORDER BY request_date ASC, id ASC`)
}

func (s *PostgresStore) GetReservationForWorkstation(ctx context.Context, workstationID string) (*domain.Reservation, error) {
	if workstationID == "" {
		return nil, ErrNotFound
	}
	return scanDoc[domain.Reservation](s.pool.QueryRow(ctx,
		`SELECT data FROM reservations WHERE workstation_id = $1 LIMIT 1`, workstationID))
}

func (s *PostgresStore) SaveProxyMapping(ctx context.Context, m *domain.ProxyMapping) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO proxy_mappings (id, archived, data) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET archived = $2, data = $3`,
		m.ID, m.Archived, data)
	return err
}

func (s *PostgresStore) GetProxyMapping(ctx context.Context, id string) (*domain.ProxyMapping, error) {
	return scanDoc[domain.ProxyMapping](s.pool.QueryRow(ctx, `SELECT data FROM proxy_mappings WHERE id = $1`, id))
}
