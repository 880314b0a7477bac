// Package storage constructs the shared stores: the Postgres pool and the
// Redis client. One pool of each serves every component; no component opens
// its own connections.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"omen-backend/internal/config"
)

// Execer is the subset of *sql.DB / *sql.Tx the row mappers need, so the
// same query code runs inside and outside transactions.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenPostgres opens the relational pool, applies pool limits, verifies the
// connection and runs the embedded migrations.
func OpenPostgres(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*sql.DB, error) {
	dsn := cfg.URL
	if !cfg.SSL {
		dsn = appendParam(dsn, "sslmode=disable")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMin)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("postgres ready", "pool_min", cfg.PoolMin, "pool_max", cfg.PoolMax)
	return db, nil
}

// InTx runs fn inside a transaction, rolling back on error or panic.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func appendParam(dsn, param string) string {
	for i := 0; i < len(dsn); i++ {
		if dsn[i] == '?' {
			return dsn + "&" + param
		}
	}
	return dsn + "?" + param
}
