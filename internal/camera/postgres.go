package camera

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultLookupQuery reads the dashboard's cameras table. The first column
// must be the id, the second the stream URL.
const DefaultLookupQuery = `SELECT camera_id::text, COALESCE(NULLIF(stream_url, ''), rtsp_url) FROM cameras WHERE camera_id::text = $1`

// PostgresDirectory reads camera records from the dashboard database.
type PostgresDirectory struct {
	pool  *pgxpool.Pool
	query string
}

// OpenPostgres connects a pool to dsn and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn, query string) (*PostgresDirectory, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewPostgresDirectory(pool, query), nil
}

// NewPostgresDirectory wraps an existing pool. An empty query selects DefaultLookupQuery.
func NewPostgresDirectory(pool *pgxpool.Pool, query string) *PostgresDirectory {
	if query == "" {
		query = DefaultLookupQuery
	}
	return &PostgresDirectory{pool: pool, query: query}
}

// Lookup implements Directory.
func (d *PostgresDirectory) Lookup(ctx context.Context, id string) (Camera, error) {
	var c Camera
	err := d.pool.QueryRow(ctx, d.query, id).Scan(&c.ID, &c.StreamURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return Camera{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Camera{}, fmt.Errorf("lookup camera %s: %w", id, err)
	}
	return c, nil
}

// Close releases the pool.
func (d *PostgresDirectory) Close() {
	d.pool.Close()
}
