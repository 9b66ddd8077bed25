package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/faucet-claimer/internal/types"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresSink struct {
	pool  *pgxpool.Pool
	runID string
}

func NewPostgresSink(ctx context.Context, dsn, runID string) (*PostgresSink, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS claim_records (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		address TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL,
		proxy TEXT NOT NULL,
		egress_ip TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_claim_records_address ON claim_records(address);
	`
	if _, err := pool.Exec(connectCtx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &PostgresSink{pool: pool, runID: runID}, nil
}

func (p *PostgresSink) Append(ctx context.Context, rec types.ClaimRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO claim_records (run_id, ts, address, status, message, proxy, egress_ip)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.runID, rec.Timestamp.UTC(), string(rec.Address), string(rec.Status), rec.Message, rec.Proxy, rec.EgressIP)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (p *PostgresSink) Close() error {
	p.pool.Close()
	return nil
}
