package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dcabot/internal/domain"
	"dcabot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.PositionRepository and ports.SimStateRepository
// using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/dcabot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite repository initialized", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		buy_price REAL NOT NULL,
		amount REAL NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		exit_price REAL DEFAULT NULL,
		closed_at TIMESTAMP DEFAULT NULL,
		linked_sell_order_id TEXT DEFAULT NULL,
		realized_pnl REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sim_orders (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		kind TEXT NOT NULL,
		requested_amount REAL NOT NULL,
		requested_price REAL DEFAULT NULL,
		status TEXT NOT NULL,
		filled_amount REAL NOT NULL DEFAULT 0,
		filled_funds REAL NOT NULL DEFAULT 0,
		fee REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		filled_at TIMESTAMP DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS sim_balances (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		quote REAL NOT NULL,
		base REAL NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_status_opened ON positions (status, opened_at);
	CREATE INDEX IF NOT EXISTS idx_sim_orders_status ON sim_orders (status);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- PositionRepository Implementation ---

// Create saves a new position and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (symbol, buy_price, amount, opened_at, status, exit_price, closed_at, linked_sell_order_id, realized_pnl)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, pos.BuyPrice, pos.Amount, pos.OpenedAt, pos.Status,
		nullFloat(pos.ExitPrice), nullTime(pos.ClosedAt), nullString(pos.LinkedSellOrderID), pos.RealizedPnL)
	if err != nil {
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.ID = id
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol})
	return id, nil
}

// Update modifies an existing position based on its ID.
func (r *Repository) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET buy_price = ?, amount = ?, opened_at = ?, status = ?, exit_price = ?,
	    closed_at = ?, linked_sell_order_id = ?, realized_pnl = ?
	WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		pos.BuyPrice, pos.Amount, pos.OpenedAt, pos.Status, nullFloat(pos.ExitPrice),
		nullTime(pos.ClosedAt), nullString(pos.LinkedSellOrderID), pos.RealizedPnL,
		pos.ID)
	if err != nil {
		return fmt.Errorf("failed to update position ID %d: %w", pos.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update position ID %d: %w", pos.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position updated", map[string]interface{}{"positionID": pos.ID, "status": pos.Status})
	return nil
}

// FindOpen retrieves all open/partial positions ordered by opened_at ascending.
func (r *Repository) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	const query = `
	SELECT id, symbol, buy_price, amount, opened_at, status, exit_price, closed_at, linked_sell_order_id, realized_pnl
	FROM positions
	WHERE status IN (?, ?)
	ORDER BY opened_at ASC`
	return r.queryPositions(ctx, query, domain.StatusOpen, domain.StatusPartial)
}

// FindClosed retrieves all closed positions ordered by closed_at ascending.
func (r *Repository) FindClosed(ctx context.Context) ([]*domain.Position, error) {
	const query = `
	SELECT id, symbol, buy_price, amount, opened_at, status, exit_price, closed_at, linked_sell_order_id, realized_pnl
	FROM positions
	WHERE status = ?
	ORDER BY closed_at ASC`
	return r.queryPositions(ctx, query, domain.StatusClosed)
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// --- SimStateRepository Implementation ---

// SaveBalance overwrites the persisted simulator balance pair.
func (r *Repository) SaveBalance(ctx context.Context, bal domain.Balance) error {
	const query = `
	INSERT INTO sim_balances (id, quote, base, updated_at) VALUES (1, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET quote = excluded.quote, base = excluded.base, updated_at = excluded.updated_at`
	if _, err := r.db.ExecContext(ctx, query, bal.Quote, bal.Base, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save simulator balance: %w", err)
	}
	return nil
}

// LoadBalance returns the persisted simulator balance pair, if any.
func (r *Repository) LoadBalance(ctx context.Context) (domain.Balance, bool, error) {
	const query = `SELECT quote, base FROM sim_balances WHERE id = 1`
	var bal domain.Balance
	err := r.db.QueryRowContext(ctx, query).Scan(&bal.Quote, &bal.Base)
	if err == sql.ErrNoRows {
		return domain.Balance{}, false, nil
	}
	if err != nil {
		return domain.Balance{}, false, fmt.Errorf("failed to load simulator balance: %w", err)
	}
	return bal, true, nil
}

// SaveOrder inserts or updates a simulator order record by ID.
func (r *Repository) SaveOrder(ctx context.Context, order *domain.Order) error {
	const query = `
	INSERT INTO sim_orders (id, symbol, side, kind, requested_amount, requested_price, status, filled_amount, filled_funds, fee, created_at, filled_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		filled_amount = excluded.filled_amount,
		filled_funds = excluded.filled_funds,
		fee = excluded.fee,
		filled_at = excluded.filled_at`
	_, err := r.db.ExecContext(ctx, query,
		order.ID, order.Symbol, order.Side, order.Kind, order.RequestedAmount,
		nullFloat(order.RequestedPrice), order.Status, order.FilledAmount,
		order.FilledFunds, order.Fee, order.CreatedAt, nullTime(order.FilledAt))
	if err != nil {
		return fmt.Errorf("failed to save simulator order %s: %w", order.ID, err)
	}
	return nil
}

// LoadOrders returns all persisted simulator orders ordered by creation time.
func (r *Repository) LoadOrders(ctx context.Context) ([]*domain.Order, error) {
	const query = `
	SELECT id, symbol, side, kind, requested_amount, requested_price, status, filled_amount, filled_funds, fee, created_at, filled_at
	FROM sim_orders
	ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query simulator orders: %w", err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	for rows.Next() {
		ord, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan simulator order: %w", err)
		}
		orders = append(orders, ord)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating simulator order rows: %w", err)
	}
	return orders, nil
}

// ClearSimState deletes the simulator's balances and order history.
func (r *Repository) ClearSimState(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sim_orders`); err != nil {
		return fmt.Errorf("failed to clear simulator orders: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sim_balances`); err != nil {
		return fmt.Errorf("failed to clear simulator balances: %w", err)
	}
	r.logger.Info(ctx, "Simulator state cleared")
	return nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var (
		status      string
		exitPrice   sql.NullFloat64
		closedAt    sql.NullTime
		sellOrderID sql.NullString
	)
	err := s.Scan(&p.ID, &p.Symbol, &p.BuyPrice, &p.Amount, &p.OpenedAt, &status,
		&exitPrice, &closedAt, &sellOrderID, &p.RealizedPnL)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PositionStatus(status)
	if exitPrice.Valid {
		p.ExitPrice = &exitPrice.Float64
	}
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	if sellOrderID.Valid {
		p.LinkedSellOrderID = &sellOrderID.String
	}
	return p, nil
}

func scanOrder(s scanner) (*domain.Order, error) {
	o := &domain.Order{}
	var (
		side, kind, status string
		reqPrice           sql.NullFloat64
		filledAt           sql.NullTime
	)
	err := s.Scan(&o.ID, &o.Symbol, &side, &kind, &o.RequestedAmount, &reqPrice,
		&status, &o.FilledAmount, &o.FilledFunds, &o.Fee, &o.CreatedAt, &filledAt)
	if err != nil {
		return nil, err
	}
	o.Side = domain.OrderSide(side)
	o.Kind = domain.OrderKind(kind)
	o.Status = domain.OrderStatus(status)
	if reqPrice.Valid {
		o.RequestedPrice = &reqPrice.Float64
	}
	if filledAt.Valid {
		t := filledAt.Time
		o.FilledAt = &t
	}
	return o, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
