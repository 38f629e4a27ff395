package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/federated-storage/storage-market/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a row already exists.
	ErrConflict = errors.New("already exists")
)

//go:embed migrations
var migrations embed.FS

// Tx is the unit of work of one order or registry operation. Reads of orders
// and of the registry lock the row until the transaction ends.
type Tx interface {
	Registry(ctx context.Context) ([]byte, error)
	PutRegistry(ctx context.Context, state []byte) error

	Order(ctx context.Context, id string) (*models.OrderRecord, error)
	CreateOrder(ctx context.Context, rec *models.OrderRecord) error
	UpdateOrder(ctx context.Context, rec *models.OrderRecord) error
	OpenOrderExists(ctx context.Context, torrentHash string, now int64) (bool, error)

	AddPayout(ctx context.Context, p *models.Payout) error
	AppendJournal(ctx context.Context, e *models.JournalEntry) error
}

// OrderFilter narrows Orders.
type OrderFilter struct {
	Owner       string
	TorrentHash string
	Limit       int
	Offset      int
}

// Store persists registry and order state.
type Store interface {
	// InTx runs fn in a transaction and commits if it returns nil.
	InTx(ctx context.Context, fn func(Tx) error) error

	Registry(ctx context.Context) ([]byte, error)
	Order(ctx context.Context, id string) (*models.OrderRecord, error)
	Orders(ctx context.Context, f OrderFilter) ([]models.OrderRecord, error)
	Payouts(ctx context.Context, orderID string) ([]models.Payout, error)
	Journal(ctx context.Context, orderID string) ([]models.JournalEntry, error)

	Migrate(migrationsPath string) error
	Ping(ctx context.Context) error
	Close() error
}

type rowScanner interface {
	Scan(dest ...any) error
}

const orderColumns = "id, torrent_hash, owner, total_fee, period_finish, state, version, created_at, updated_at"

func scanOrder(row rowScanner) (*models.OrderRecord, error) {
	var rec models.OrderRecord
	err := row.Scan(&rec.ID, &rec.TorrentHash, &rec.Owner, &rec.TotalFee, &rec.PeriodFinish,
		&rec.State, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

const payoutColumns = "id, order_id, recipient, kind, amount, created_at"

func scanPayout(row rowScanner) (models.Payout, error) {
	var p models.Payout
	err := row.Scan(&p.ID, &p.OrderID, &p.Recipient, &p.Kind, &p.Amount, &p.CreatedAt)
	return p, err
}

const journalColumns = "id, order_id, seq, kind, caller, at, op, created_at"

func scanJournal(row rowScanner) (models.JournalEntry, error) {
	var e models.JournalEntry
	err := row.Scan(&e.ID, &e.OrderID, &e.Seq, &e.Kind, &e.Caller, &e.At, &e.Op, &e.CreatedAt)
	return e, err
}

func limitOf(f OrderFilter) int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

// runMigrations applies the migrations for driver to databaseURL, either from
// migrationsPath or, when it is empty, from the embedded set.
func runMigrations(driver, migrationsPath, databaseURL string) error {
	var (
		m   *migrate.Migrate
		err error
	)
	if migrationsPath != "" {
		absPath, err := filepath.Abs(migrationsPath)
		if err != nil {
			return fmt.Errorf("failed to get absolute path: %w", err)
		}
		if _, err := os.Stat(absPath); os.IsNotExist(err) {
			return fmt.Errorf("migrations directory does not exist: %s", absPath)
		}
		m, err = migrate.New("file://"+absPath, databaseURL)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
	} else {
		src, err := iofs.New(migrations, "migrations/"+driver)
		if err != nil {
			return fmt.Errorf("failed to open embedded migrations: %w", err)
		}
		m, err = migrate.NewWithSourceInstance("iofs", src, databaseURL)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
	}
	defer m.Close()

	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
