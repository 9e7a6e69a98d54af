// Package db provides PostgreSQL-backed repositories for switches, messages,
// check-ins and job locks. All repositories accept a DBTX so the same code
// runs against *pgxpool.Pool or inside a pgx.Tx.
//
// Every mutation of a switch or message is compare-and-swap on its version
// column. A CAS miss is reported as conflict_concurrent_modification when the
// row still exists and as not_found_* otherwise.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"deadswitch/internal/config"
	"deadswitch/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// NewPool opens a connection pool tuned from cfg and pings it once.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}

	pingCtx := ctx
	if cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.AcquireTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// resolveCASMiss runs after a versioned UPDATE matched no row and decides
// whether the row changed underneath the caller or is gone.
func resolveCASMiss(ctx context.Context, db DBTX, existsSQL, id string, notFound types.ErrorCode, entity string) error {
	var exists bool
	if err := db.QueryRow(ctx, existsSQL, id).Scan(&exists); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("failed to check %s existence after version mismatch", entity), err)
	}
	if exists {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictConcurrent,
			fmt.Sprintf("%s was modified concurrently", entity), nil,
			map[string]any{"id": id})
	}
	return types.NewAppError(notFound, fmt.Sprintf("%s not found", entity), nil)
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
