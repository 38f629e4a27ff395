package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/federated-storage/storage-market/internal/models"
)

// PostgresStore wraps the PostgreSQL connection pool
type PostgresStore struct {
	Pool        *pgxpool.Pool
	databaseURL string
}

// NewPostgres creates a new database connection
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{Pool: pool, databaseURL: databaseURL}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	s.Pool.Close()
	return nil
}

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Migrate runs database migrations
func (s *PostgresStore) Migrate(migrationsPath string) error {
	return runMigrations("postgres", migrationsPath, s.databaseURL)
}

// InTx implements Store.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Registry implements Store.
func (s *PostgresStore) Registry(ctx context.Context) ([]byte, error) {
	return pgRegistry(ctx, s.Pool, "")
}

// Order implements Store.
func (s *PostgresStore) Order(ctx context.Context, id string) (*models.OrderRecord, error) {
	return pgOrder(ctx, s.Pool, id, "")
}

// Orders implements Store.
func (s *PostgresStore) Orders(ctx context.Context, f OrderFilter) ([]models.OrderRecord, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE ($1 = '' OR owner = $1) AND ($2 = '' OR torrent_hash = $2)
		 ORDER BY created_at DESC, id LIMIT $3 OFFSET $4`,
		f.Owner, f.TorrentHash, limitOf(f), f.Offset)
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
func (s *PostgresStore) Payouts(ctx context.Context, orderID string) ([]models.Payout, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE order_id = $1 ORDER BY created_at, id`, orderID)
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
func (s *PostgresStore) Journal(ctx context.Context, orderID string) ([]models.JournalEntry, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+journalColumns+` FROM journal WHERE order_id = $1 ORDER BY seq`, orderID)
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

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgRegistry(ctx context.Context, q pgQuerier, lock string) ([]byte, error) {
	var state []byte
	err := q.QueryRow(ctx, `SELECT state FROM registry WHERE id = 1`+lock).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return state, nil
}

func pgOrder(ctx context.Context, q pgQuerier, id, lock string) (*models.OrderRecord, error) {
	rec, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	return rec, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Registry(ctx context.Context) ([]byte, error) {
	return pgRegistry(ctx, t.tx, " FOR UPDATE")
}

func (t *pgTx) PutRegistry(ctx context.Context, state []byte) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO registry (id, state, updated_at) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		state, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save registry: %w", err)
	}
	return nil
}

func (t *pgTx) Order(ctx context.Context, id string) (*models.OrderRecord, error) {
	return pgOrder(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) CreateOrder(ctx context.Context, rec *models.OrderRecord) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (id, torrent_hash, owner, total_fee, period_finish, state, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		rec.ID, rec.TorrentHash, rec.Owner, rec.TotalFee, rec.PeriodFinish, rec.State, rec.Version).
		Scan(&rec.CreatedAt, &rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, rec *models.OrderRecord) error {
	rec.UpdatedAt = time.Now()
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET period_finish = $2, state = $3, version = $4, updated_at = $5 WHERE id = $1`,
		rec.ID, rec.PeriodFinish, rec.State, rec.Version, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) OpenOrderExists(ctx context.Context, torrentHash string, now int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE torrent_hash = $1 AND (period_finish = 0 OR period_finish >= $2))`,
		torrentHash, now).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check open orders: %w", err)
	}
	return exists, nil
}

func (t *pgTx) AddPayout(ctx context.Context, p *models.Payout) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO payouts (id, order_id, recipient, kind, amount) VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		p.ID, p.OrderID, p.Recipient, p.Kind, p.Amount).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record payout: %w", err)
	}
	return nil
}

func (t *pgTx) AppendJournal(ctx context.Context, e *models.JournalEntry) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO journal (id, order_id, seq, kind, caller, at, op) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		e.ID, e.OrderID, e.Seq, e.Kind, e.Caller, e.At, e.Op).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append journal: %w", err)
	}
	return nil
}
