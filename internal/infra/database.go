package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ledgerMaxConns bounds the pool. Every mutating operation holds one
// connection for the length of its transaction, behind the nonce row lock.
const ledgerMaxConns = 16

// NewPostgresPool opens the ledger pool and waits until Postgres answers.
func NewPostgresPool(ctx context.Context, url string, d Dial) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, fmt.Errorf("database url is required")
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns == 0 || cfg.MaxConns > ledgerMaxConns {
		cfg.MaxConns = ledgerMaxConns
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "lumendark-ledger"

	var pool *pgxpool.Pool
	err = d.retry(ctx, "postgres", func(ctx context.Context) error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}
