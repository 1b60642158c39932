package viewers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig describes the viewer directory's connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	QueryTimeout    time.Duration
	ApplicationName string
}

const defaultQueryTimeout = 2 * time.Second

const viewerSchema = `
CREATE TABLE IF NOT EXISTS viewers (
    username_key TEXT PRIMARY KEY,
    username TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    profile_pic_url TEXT NOT NULL DEFAULT '',
    roles TEXT[] NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresDirectory reads viewer records from a Postgres table so several
// service replicas can share one viewer database.
type PostgresDirectory struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresDirectory opens a pool for cfg.DSN.
func NewPostgresDirectory(ctx context.Context, cfg PostgresConfig) (*PostgresDirectory, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres viewer dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres viewer config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres viewer pool: %w", err)
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &PostgresDirectory{pool: pool, timeout: timeout}, nil
}

// EnsureSchema creates the viewers table when missing.
func (d *PostgresDirectory) EnsureSchema(ctx context.Context) error {
	if d == nil || d.pool == nil {
		return fmt.Errorf("postgres viewer pool not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if _, err := d.pool.Exec(ctx, viewerSchema); err != nil {
		return fmt.Errorf("create viewers table: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) LookupViewer(ctx context.Context, username string) (Viewer, error) {
	if d == nil || d.pool == nil {
		return Viewer{}, fmt.Errorf("postgres viewer pool not configured")
	}
	key := normalizeUsername(username)
	if key == "" {
		return Viewer{}, ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	row := d.pool.QueryRow(ctx, `
SELECT username, display_name, profile_pic_url, roles
FROM viewers
WHERE username_key = $1
`, key)
	var viewer Viewer
	if err := row.Scan(&viewer.Username, &viewer.DisplayName, &viewer.ProfilePicURL, &viewer.Roles); err != nil {
		if isNoRows(err) {
			return Viewer{}, ErrNotFound
		}
		return Viewer{}, fmt.Errorf("lookup viewer %q: %w", username, err)
	}
	return viewer, nil
}

func (d *PostgresDirectory) UpsertViewer(ctx context.Context, viewer Viewer) error {
	if d == nil || d.pool == nil {
		return fmt.Errorf("postgres viewer pool not configured")
	}
	key := normalizeUsername(viewer.Username)
	if key == "" {
		return errors.New("viewer username is required")
	}
	roles := normalizeRoles(viewer.Roles)
	if roles == nil {
		roles = []string{}
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.pool.Exec(ctx, `
INSERT INTO viewers (username_key, username, display_name, profile_pic_url, roles, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (username_key) DO UPDATE SET
    username = EXCLUDED.username,
    display_name = EXCLUDED.display_name,
    profile_pic_url = EXCLUDED.profile_pic_url,
    roles = EXCLUDED.roles,
    updated_at = EXCLUDED.updated_at
`, key, strings.TrimSpace(viewer.Username), viewer.DisplayName, viewer.ProfilePicURL, roles)
	if err != nil {
		return fmt.Errorf("upsert viewer %q: %w", viewer.Username, err)
	}
	return nil
}

// Ping checks that the database answers within the query timeout.
func (d *PostgresDirectory) Ping(ctx context.Context) error {
	if d == nil || d.pool == nil {
		return fmt.Errorf("postgres viewer pool not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx expires first.
func (d *PostgresDirectory) Close(ctx context.Context) error {
	if d == nil || d.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
