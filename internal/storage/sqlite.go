package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/mattn/go-sqlite3"

	"github.com/federated-storage/storage-market/internal/models"
)

// SQLiteStore wraps the SQLite connection
type SQLiteStore struct {
	Conn *sql.DB
	path string
}

// NewSQLite creates a new SQLite database connection
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Writers take the database lock when the transaction begins, so order
	// operations are serialised the same way row locks serialise them on
	// PostgreSQL.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", dbPath)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStore{Conn: conn, path: dbPath}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.Conn.Close()
}

// Ping checks the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.Conn.PingContext(ctx)
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate(migrationsPath string) error {
	return runMigrations("sqlite", migrationsPath, "sqlite3://"+s.path)
}

// InTx implements Store.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Registry implements Store.
func (s *SQLiteStore) Registry(ctx context.Context) ([]byte, error) {
	return sqliteRegistry(ctx, s.Conn)
}

// Order implements Store.
func (s *SQLiteStore) Order(ctx context.Context, id string) (*models.OrderRecord, error) {
	return sqliteOrder(ctx, s.Conn, id)
}

// Orders implements Store.
func (s *SQLiteStore) Orders(ctx context.Context, f OrderFilter) ([]models.OrderRecord, error) {
	rows, err := s.Conn.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE (? = '' OR owner = ?) AND (? = '' OR torrent_hash = ?)
		 ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		f.Owner, f.Owner, f.TorrentHash, f.TorrentHash, limitOf(f), f.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *rec)
	}
	return orders, rows.Err()
}

// Payouts implements Store.
func (s *SQLiteStore) Payouts(ctx context.Context, orderID string) ([]models.Payout, error) {
	rows, err := s.Conn.QueryContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE order_id = ? ORDER BY created_at, rowid`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	var payouts []models.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// Journal implements Store.
func (s *SQLiteStore) Journal(ctx context.Context, orderID string) ([]models.JournalEntry, error) {
	rows, err := s.Conn.QueryContext(ctx,
		`SELECT `+journalColumns+` FROM journal WHERE order_id = ? ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	defer rows.Close()

	var entries []models.JournalEntry
	for rows.Next() {
		e, err := scanJournal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteRegistry(ctx context.Context, q sqlQuerier) ([]byte, error) {
	var state []byte
	err := q.QueryRowContext(ctx, `SELECT state FROM registry WHERE id = 1`).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return state, nil
}

func sqliteOrder(ctx context.Context, q sqlQuerier, id string) (*models.OrderRecord, error) {
	rec, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	return rec, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Registry(ctx context.Context) ([]byte, error) {
	return sqliteRegistry(ctx, t.tx)
}

func (t *sqliteTx) PutRegistry(ctx context.Context, state []byte) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO registry (id, state, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save registry: %w", err)
	}
	return nil
}

func (t *sqliteTx) Order(ctx context.Context, id string) (*models.OrderRecord, error) {
	return sqliteOrder(ctx, t.tx, id)
}

func (t *sqliteTx) CreateOrder(ctx context.Context, rec *models.OrderRecord) error {
	now := time.Now().UTC()
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO orders (id, torrent_hash, owner, total_fee, period_finish, state, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TorrentHash, rec.Owner, rec.TotalFee, rec.PeriodFinish, rec.State, rec.Version, now, now)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	return nil
}

func (t *sqliteTx) UpdateOrder(ctx context.Context, rec *models.OrderRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := t.tx.ExecContext(ctx,
		`UPDATE orders SET period_finish = ?, state = ?, version = ?, updated_at = ? WHERE id = ?`,
		rec.PeriodFinish, rec.State, rec.Version, rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) OpenOrderExists(ctx context.Context, torrentHash string, now int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE torrent_hash = ? AND (period_finish = 0 OR period_finish >= ?))`,
		torrentHash, now).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check open orders: %w", err)
	}
	return exists, nil
}

func (t *sqliteTx) AddPayout(ctx context.Context, p *models.Payout) error {
	p.CreatedAt = time.Now().UTC()
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO payouts (id, order_id, recipient, kind, amount, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrderID, p.Recipient, p.Kind, p.Amount, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record payout: %w", err)
	}
	return nil
}

func (t *sqliteTx) AppendJournal(ctx context.Context, e *models.JournalEntry) error {
	e.CreatedAt = time.Now().UTC()
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO journal (id, order_id, seq, kind, caller, at, op, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrderID, e.Seq, e.Kind, e.Caller, e.At, e.Op, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append journal: %w", err)
	}
	return nil
}
