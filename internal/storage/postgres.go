package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Schema creates the tables PostgresStorage writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS fills (
	id          UUID PRIMARY KEY,
	market_slug TEXT NOT NULL,
	side        TEXT NOT NULL,
	price       NUMERIC(12, 6) NOT NULL,
	quantity    NUMERIC(18, 6) NOT NULL,
	cost        NUMERIC(18, 6) NOT NULL,
	order_id    TEXT NOT NULL,
	reverted    BOOLEAN NOT NULL DEFAULT FALSE,
	filled_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS fills_order_id_idx ON fills (order_id);

CREATE TABLE IF NOT EXISTS settlements (
	condition_id TEXT PRIMARY KEY,
	market_slug  TEXT NOT NULL,
	state        TEXT NOT NULL,
	resolution   TEXT NOT NULL,
	winner       TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	polls        INTEGER NOT NULL,
	tx_hash      TEXT NOT NULL,
	last_error   TEXT NOT NULL,
	realized_pnl NUMERIC(18, 6) NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
`

// PostgresStorage implements Storage using PostgreSQL.
type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

// PostgresConfig holds PostgreSQL configuration.
type PostgresConfig struct {
	DSN    string
	Logger *zap.Logger
}

// NewPostgresStorage connects, pings and ensures the schema exists.
func NewPostgresStorage(ctx context.Context, cfg *PostgresConfig) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := newPostgresStorage(db, cfg.Logger)

	err = p.Migrate(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	cfg.Logger.Info("postgres-storage-connected")

	return p, nil
}

func newPostgresStorage(db *sql.DB, logger *zap.Logger) *PostgresStorage {
	return &PostgresStorage{
		db:     db,
		logger: logger,
	}
}

// Migrate creates missing tables.
func (p *PostgresStorage) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// StoreFill inserts a fill, or flags every row of its order as reverted.
func (p *PostgresStorage) StoreFill(ctx context.Context, fill *Fill) error {
	if fill.Reverted {
		_, err := p.db.ExecContext(ctx,
			`UPDATE fills SET reverted = TRUE WHERE order_id = $1`, fill.OrderID)
		if err != nil {
			return fmt.Errorf("mark fill reverted: %w", err)
		}

		p.logger.Debug("fill-revert-stored", zap.String("order-id", fill.OrderID))
		return nil
	}

	query := `
		INSERT INTO fills (
			id, market_slug, side, price, quantity, cost, order_id, reverted, filled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`

	_, err := p.db.ExecContext(ctx, query,
		fill.ID,
		fill.MarketSlug,
		fill.Side,
		fill.Price,
		fill.Quantity,
		fill.Cost,
		fill.OrderID,
		false,
		fill.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}

	p.logger.Debug("fill-stored",
		zap.String("fill-id", fill.ID),
		zap.String("order-id", fill.OrderID))

	return nil
}

// StoreSettlement upserts the settlement record of a condition.
func (p *PostgresStorage) StoreSettlement(ctx context.Context, s *Settlement) error {
	query := `
		INSERT INTO settlements (
			condition_id, market_slug, state, resolution, winner, outcome,
			attempts, polls, tx_hash, last_error, realized_pnl, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (condition_id) DO UPDATE SET
			state = EXCLUDED.state,
			resolution = EXCLUDED.resolution,
			winner = EXCLUDED.winner,
			outcome = EXCLUDED.outcome,
			attempts = EXCLUDED.attempts,
			polls = EXCLUDED.polls,
			tx_hash = EXCLUDED.tx_hash,
			last_error = EXCLUDED.last_error,
			realized_pnl = EXCLUDED.realized_pnl,
			updated_at = EXCLUDED.updated_at
	`

	_, err := p.db.ExecContext(ctx, query,
		s.ConditionID,
		s.MarketSlug,
		s.State,
		s.Resolution,
		s.Winner,
		s.Outcome,
		s.Attempts,
		s.Polls,
		s.TxHash,
		s.LastError,
		s.RealizedPnL,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert settlement: %w", err)
	}

	p.logger.Debug("settlement-stored",
		zap.String("condition-id", s.ConditionID),
		zap.String("state", s.State))

	return nil
}

// Close closes the database connection.
func (p *PostgresStorage) Close() error {
	p.logger.Info("closing-postgres-storage")
	return p.db.Close()
}
