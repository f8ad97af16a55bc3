// Package pg opens the Postgres pool used by the room store.
package pg

import (
	"context"
	"time"

	"SupportChat/tools/errs"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	DSN      string
	MaxConns int32
	MaxRetry int
}

// NewPool connects and checks the pool with a round trip, retrying while the
// database comes up.
func NewPool(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	if c.DSN == "" {
		return nil, errs.ErrBadRequest.WrapMsg("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, errs.WrapMsg(err, "parse postgres dsn")
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "unable to create pool")
	}
	for i := 0; i < c.MaxRetry; i++ {
		var one int
		if err = pool.QueryRow(ctx, "SELECT 1").Scan(&one); err == nil {
			return pool, nil
		}
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, errs.WrapMsg(ctx.Err(), "postgres not ready")
		case <-time.After(time.Second / 2):
		}
	}
	pool.Close()
	return nil, errs.WrapMsg(err, "postgres ping failed")
}
