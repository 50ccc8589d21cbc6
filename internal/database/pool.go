package database

import (
	"context"
	"fmt"
	"net"

	"github.com/couchcryptid/pgwatch/internal/config"
	"github.com/couchcryptid/pgwatch/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// livenessQuery is the round trip used to prove a pooled connection is usable.
const livenessQuery = "SELECT 1"

// Pool is the set of pooled connections the Manager supervises.
type Pool interface {
	// Probe acquires a connection, runs the liveness query and releases it.
	Probe(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (*model.QueryResult, error)
	Stats() PoolStats
	Close()
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	Total    int32
	Idle     int32
	Acquired int32
}

// PgxPool adapts a pgxpool.Pool to the Pool interface.
type PgxPool struct {
	pool *pgxpool.Pool
}

// NewPool creates a pgx connection pool from cfg. No connection is opened
// until the first probe or query, so the process can start while the
// database is unreachable.
func NewPool(ctx context.Context, cfg config.ConnectionConfig) (*PgxPool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &PgxPool{pool: pool}, nil
}

func poolConfig(cfg config.ConnectionConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = 0
	poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("build tls config: %w", err)
	}
	poolCfg.ConnConfig.TLSConfig = tlsCfg
	poolCfg.ConnConfig.Fallbacks = nil

	// A negative KeepAlive disables TCP keep-alive probes.
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: -1}
	if cfg.KeepAlive {
		dialer.KeepAlive = cfg.KeepAliveInitialDelay
	}
	poolCfg.ConnConfig.DialFunc = dialer.DialContext

	return poolCfg, nil
}

// Probe implements Pool.
func (p *PgxPool) Probe(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, livenessQuery); err != nil {
		return fmt.Errorf("liveness query: %w", err)
	}
	return nil
}

// Query implements Pool. Rows are returned as column-name keyed maps.
func (p *PgxPool) Query(ctx context.Context, sql string, args ...any) (*model.QueryResult, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	descs := rows.FieldDescriptions()
	fields := make([]model.FieldDescription, len(descs))
	for i, fd := range descs {
		fields[i] = model.FieldDescription{Name: fd.Name, DataTypeID: fd.DataTypeOID}
	}

	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}

	return &model.QueryResult{
		Rows:     records,
		RowCount: rows.CommandTag().RowsAffected(),
		Fields:   fields,
	}, nil
}

// Stats implements Pool.
func (p *PgxPool) Stats() PoolStats {
	stat := p.pool.Stat()
	return PoolStats{
		Total:    stat.TotalConns(),
		Idle:     stat.IdleConns(),
		Acquired: stat.AcquiredConns(),
	}
}

// Close implements Pool.
func (p *PgxPool) Close() {
	p.pool.Close()
}
