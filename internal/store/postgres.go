package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"futures-trading-agent/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS fills (
	id              BIGSERIAL PRIMARY KEY,
	symbol          TEXT NOT NULL,
	order_id        BIGINT NOT NULL,
	client_order_id TEXT NOT NULL,
	side            TEXT NOT NULL,
	qty             DOUBLE PRECISION NOT NULL,
	price           DOUBLE PRECISION NOT NULL,
	commission      DOUBLE PRECISION NOT NULL DEFAULT 0,
	slip_pct        DOUBLE PRECISION NOT NULL DEFAULT 0,
	trade_time      BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_fills_symbol_time ON fills (symbol, trade_time DESC);

CREATE TABLE IF NOT EXISTS order_events (
	id              BIGSERIAL PRIMARY KEY,
	client_order_id TEXT NOT NULL,
	order_id        BIGINT NOT NULL DEFAULT 0,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	qty             DOUBLE PRECISION NOT NULL,
	price           DOUBLE PRECISION NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	event_time      BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_order_events_symbol ON order_events (symbol, event_time DESC);
`

// Postgres persists the trade ledger in PostgreSQL
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgres connects, verifies the connection and ensures the schema
func NewPostgres(ctx context.Context, dsn string, logger zerolog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{
		pool:   pool,
		logger: logger.With().Str("component", "Postgres").Logger(),
	}, nil
}

func (p *Postgres) SaveFill(ctx context.Context, fill state.Fill) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO fills (symbol, order_id, client_order_id, side, qty, price, commission, slip_pct, trade_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		fill.Symbol, fill.OrderID, fill.ClientOrderID, fill.Side,
		fill.Qty, fill.Price, fill.Commission, fill.SlipPct, fill.TradeTime)
	return err
}

func (p *Postgres) SaveOrderEvent(ctx context.Context, ev OrderEvent) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO order_events (client_order_id, order_id, symbol, side, qty, price, status, event_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ClientOrderID, ev.OrderID, ev.Symbol, ev.Side, ev.Qty, ev.Price, ev.Status, ev.EventTime)
	return err
}

func (p *Postgres) RecentFills(ctx context.Context, symbol string, limit int) ([]state.Fill, error) {
	query := `SELECT symbol, order_id, client_order_id, side, qty, price, commission, slip_pct, trade_time
	          FROM fills`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = $1 ORDER BY trade_time DESC LIMIT $2`
		args = append(args, symbol, limit)
	} else {
		query += ` ORDER BY trade_time DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.Fill
	for rows.Next() {
		var f state.Fill
		if err := rows.Scan(&f.Symbol, &f.OrderID, &f.ClientOrderID, &f.Side,
			&f.Qty, &f.Price, &f.Commission, &f.SlipPct, &f.TradeTime); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() {
	p.pool.Close()
}
