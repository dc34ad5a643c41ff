package stored

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/vigiasubastas/monitor/internal/domain"
	"github.com/vigiasubastas/monitor/pkg/logger"
)

// PostgresStore implements Store using PostgreSQL (spec §6, "Store
// schema"): auction, line_item, line_item_state, line_item_costs,
// event_log, ui_config.
type PostgresStore struct {
	db     *sql.DB
	config PostgresConfig
}

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	AuctionTable       string
	LineItemTable      string
	LineItemStateTable string
	LineItemCostsTable string
	EventLogTable      string
	UIConfigTable      string
	QueryTimeout       time.Duration
}

// DefaultPostgresConfig returns sensible defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		AuctionTable:       "auction",
		LineItemTable:      "line_item",
		LineItemStateTable: "line_item_state",
		LineItemCostsTable: "line_item_costs",
		EventLogTable:      "event_log",
		UIConfigTable:      "ui_config",
		QueryTimeout:       5 * time.Second,
	}
}

// NewPostgresStore creates a PostgreSQL-backed Store. db is managed by the
// caller (connection pooling, lifecycle); NewPostgresStore does not own it.
func NewPostgresStore(db *sql.DB, config PostgresConfig) *PostgresStore {
	return &PostgresStore{db: db, config: config}
}

// CreateTables creates the schema if it does not already exist (spec §6:
// unique id_cot, unique (auction, id_renglon), unique line_item on
// line_item_state, cascade on delete).
func (s *PostgresStore) CreateTables(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id_cot VARCHAR(64) PRIMARY KEY,
				url TEXT NOT NULL,
				state VARCHAR(16) NOT NULL,
				started_at TIMESTAMPTZ NOT NULL,
				ended_at TIMESTAMPTZ,
				last_ok_at TIMESTAMPTZ,
				last_http_code INT,
				error_streak INT NOT NULL DEFAULT 0,
				provider_id VARCHAR(64)
			)`, s.config.AuctionTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				auction_id VARCHAR(64) NOT NULL REFERENCES %s(id_cot) ON DELETE CASCADE,
				id_renglon VARCHAR(64) NOT NULL,
				description TEXT,
				quantity DOUBLE PRECISION NOT NULL DEFAULT 1,
				items_per_renglon INT NOT NULL DEFAULT 1,
				min_margin DOUBLE PRECISION NOT NULL DEFAULT 0,
				PRIMARY KEY (auction_id, id_renglon)
			)`, s.config.LineItemTable, s.config.AuctionTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				auction_id VARCHAR(64) NOT NULL REFERENCES %s(id_cot) ON DELETE CASCADE,
				id_renglon VARCHAR(64) NOT NULL,
				best_offer DOUBLE PRECISION,
				best_offer_text TEXT,
				min_to_beat DOUBLE PRECISION,
				min_to_beat_text TEXT,
				budget DOUBLE PRECISION,
				budget_text TEXT,
				portal_status TEXT,
				finalized BOOLEAN NOT NULL DEFAULT false,
				updated_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (auction_id, id_renglon)
			)`, s.config.LineItemStateTable, s.config.AuctionTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				auction_id VARCHAR(64) NOT NULL REFERENCES %s(id_cot) ON DELETE CASCADE,
				id_renglon VARCHAR(64) NOT NULL,
				unit_of_measure TEXT,
				brand TEXT,
				notes TEXT,
				fx_rate DOUBLE PRECISION,
				unit_cost_ars DOUBLE PRECISION,
				total_cost_ars DOUBLE PRECISION,
				unit_cost_usd DOUBLE PRECISION,
				total_cost_usd DOUBLE PRECISION,
				min_margin DOUBLE PRECISION NOT NULL DEFAULT 0,
				PRIMARY KEY (auction_id, id_renglon)
			)`, s.config.LineItemCostsTable, s.config.AuctionTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				level VARCHAR(8) NOT NULL,
				type VARCHAR(32) NOT NULL,
				auction_id VARCHAR(64),
				id_renglon VARCHAR(64),
				message TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, s.config.EventLogTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key VARCHAR(128) PRIMARY KEY,
				value TEXT NOT NULL
			)`, s.config.UIConfigTable),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("stored: create tables: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) UpsertAuction(ctx context.Context, a domain.Auction) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id_cot, url, state, started_at, ended_at, last_ok_at, last_http_code, error_streak, provider_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id_cot) DO UPDATE SET
			url = EXCLUDED.url,
			state = EXCLUDED.state,
			ended_at = EXCLUDED.ended_at,
			last_ok_at = EXCLUDED.last_ok_at,
			last_http_code = EXCLUDED.last_http_code,
			error_streak = EXCLUDED.error_streak,
			provider_id = EXCLUDED.provider_id
	`, s.config.AuctionTable)

	_, err := s.db.ExecContext(ctx, query, a.IDCot, a.URL, a.State, a.StartedAt, a.EndedAt,
		a.LastOKAt, a.LastHTTPCode, a.ErrorStreak, a.ProviderID)
	if err != nil {
		logger.Log.Error().Err(err).Str("auction", a.IDCot).Msg("stored: upsert auction failed")
	}
	return err
}

func (s *PostgresStore) GetAuction(ctx context.Context, idCot string) (domain.Auction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id_cot, url, state, started_at, ended_at, last_ok_at, last_http_code, error_streak, provider_id
		FROM %s WHERE id_cot = $1
	`, s.config.AuctionTable)

	var a domain.Auction
	err := s.db.QueryRowContext(ctx, query, idCot).Scan(&a.IDCot, &a.URL, &a.State, &a.StartedAt,
		&a.EndedAt, &a.LastOKAt, &a.LastHTTPCode, &a.ErrorStreak, &a.ProviderID)
	if err == sql.ErrNoRows {
		return domain.Auction{}, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) SetAuctionState(ctx context.Context, idCot string, state domain.AuctionState) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET state = $2 WHERE id_cot = $1`, s.config.AuctionTable)
	_, err := s.db.ExecContext(ctx, query, idCot, state)
	return err
}

func (s *PostgresStore) UpsertLineItem(ctx context.Context, li domain.LineItem) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (auction_id, id_renglon, description, quantity, items_per_renglon, min_margin)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (auction_id, id_renglon) DO UPDATE SET
			description = EXCLUDED.description,
			quantity = EXCLUDED.quantity,
			items_per_renglon = EXCLUDED.items_per_renglon
	`, s.config.LineItemTable)

	_, err := s.db.ExecContext(ctx, query, li.AuctionID, li.IDRenglon, li.Description,
		li.Quantity, li.ItemsPerRenglon, li.MinMargin)
	return err
}

func (s *PostgresStore) ListLineItems(ctx context.Context, idCot string) ([]domain.LineItem, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT auction_id, id_renglon, description, quantity, items_per_renglon, min_margin
		FROM %s WHERE auction_id = $1
	`, s.config.LineItemTable)

	rows, err := s.db.QueryContext(ctx, query, idCot)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LineItem
	for rows.Next() {
		var li domain.LineItem
		if err := rows.Scan(&li.AuctionID, &li.IDRenglon, &li.Description, &li.Quantity,
			&li.ItemsPerRenglon, &li.MinMargin); err != nil {
			return nil, err
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertLineItemState(ctx context.Context, st domain.LineItemState) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (auction_id, id_renglon, best_offer, best_offer_text, min_to_beat,
			min_to_beat_text, budget, budget_text, portal_status, finalized, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (auction_id, id_renglon) DO UPDATE SET
			best_offer = EXCLUDED.best_offer,
			best_offer_text = EXCLUDED.best_offer_text,
			min_to_beat = EXCLUDED.min_to_beat,
			min_to_beat_text = EXCLUDED.min_to_beat_text,
			budget = EXCLUDED.budget,
			budget_text = EXCLUDED.budget_text,
			portal_status = EXCLUDED.portal_status,
			finalized = EXCLUDED.finalized,
			updated_at = EXCLUDED.updated_at
	`, s.config.LineItemStateTable)

	_, err := s.db.ExecContext(ctx, query, st.AuctionID, st.IDRenglon, st.BestOffer, st.BestOfferText,
		st.MinToBeat, st.MinToBeatText, st.Budget, st.BudgetText, st.PortalStatus, st.Finalized, st.UpdatedAt)
	if err != nil {
		logger.Log.Error().Err(err).Str("auction", st.AuctionID).Str("renglon", st.IDRenglon).
			Msg("stored: upsert line item state failed")
	}
	return err
}

func (s *PostgresStore) GetLineItemState(ctx context.Context, idCot, idRenglon string) (domain.LineItemState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT auction_id, id_renglon, best_offer, best_offer_text, min_to_beat, min_to_beat_text,
			budget, budget_text, portal_status, finalized, updated_at
		FROM %s WHERE auction_id = $1 AND id_renglon = $2
	`, s.config.LineItemStateTable)

	var st domain.LineItemState
	err := s.db.QueryRowContext(ctx, query, idCot, idRenglon).Scan(&st.AuctionID, &st.IDRenglon,
		&st.BestOffer, &st.BestOfferText, &st.MinToBeat, &st.MinToBeatText, &st.Budget, &st.BudgetText,
		&st.PortalStatus, &st.Finalized, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.LineItemState{}, ErrNotFound
	}
	return st, err
}

func (s *PostgresStore) UpsertLineItemCosts(ctx context.Context, c domain.LineItemCosts) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (auction_id, id_renglon, unit_of_measure, brand, notes, fx_rate,
			unit_cost_ars, total_cost_ars, unit_cost_usd, total_cost_usd, min_margin)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (auction_id, id_renglon) DO UPDATE SET
			unit_of_measure = EXCLUDED.unit_of_measure,
			brand = EXCLUDED.brand,
			notes = EXCLUDED.notes,
			fx_rate = EXCLUDED.fx_rate,
			unit_cost_ars = EXCLUDED.unit_cost_ars,
			total_cost_ars = EXCLUDED.total_cost_ars,
			unit_cost_usd = EXCLUDED.unit_cost_usd,
			total_cost_usd = EXCLUDED.total_cost_usd,
			min_margin = EXCLUDED.min_margin
	`, s.config.LineItemCostsTable)

	_, err := s.db.ExecContext(ctx, query, c.AuctionID, c.IDRenglon, c.UnitOfMeasure, c.Brand, c.Notes,
		c.FXRate, c.UnitCostARS, c.TotalCostARS, c.UnitCostUSD, c.TotalCostUSD, c.MinMargin)
	return err
}

func (s *PostgresStore) GetLineItemCosts(ctx context.Context, idCot, idRenglon string) (domain.LineItemCosts, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT auction_id, id_renglon, unit_of_measure, brand, notes, fx_rate, unit_cost_ars,
			total_cost_ars, unit_cost_usd, total_cost_usd, min_margin
		FROM %s WHERE auction_id = $1 AND id_renglon = $2
	`, s.config.LineItemCostsTable)

	var c domain.LineItemCosts
	err := s.db.QueryRowContext(ctx, query, idCot, idRenglon).Scan(&c.AuctionID, &c.IDRenglon,
		&c.UnitOfMeasure, &c.Brand, &c.Notes, &c.FXRate, &c.UnitCostARS, &c.TotalCostARS,
		&c.UnitCostUSD, &c.TotalCostUSD, &c.MinMargin)
	if err == sql.ErrNoRows {
		return domain.LineItemCosts{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) AppendEventLog(ctx context.Context, e domain.EventLog) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (level, type, auction_id, id_renglon, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.config.EventLogTable)

	_, err := s.db.ExecContext(ctx, query, e.Level, e.Type, e.AuctionID, e.IDRenglon, e.Message, e.CreatedAt)
	if err != nil {
		logger.Log.Error().Err(err).Msg("stored: append event log failed")
	}
	return err
}

func (s *PostgresStore) ListEventLog(ctx context.Context, idCot string, limit int) ([]domain.EventLog, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, level, type, auction_id, id_renglon, message, created_at
		FROM %s WHERE auction_id = $1 ORDER BY created_at DESC LIMIT $2
	`, s.config.EventLogTable)

	rows, err := s.db.QueryContext(ctx, query, idCot, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EventLog
	for rows.Next() {
		var e domain.EventLog
		if err := rows.Scan(&e.ID, &e.Level, &e.Type, &e.AuctionID, &e.IDRenglon, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetUIConfig(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.config.UIConfigTable)
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (s *PostgresStore) SetUIConfig(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, s.config.UIConfigTable)
	_, err := s.db.ExecContext(ctx, query, key, value)
	return err
}

// Close is a no-op: the *sql.DB is managed by the caller.
func (s *PostgresStore) Close() error { return nil }
