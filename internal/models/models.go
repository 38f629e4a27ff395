package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderRecord is the persisted form of an order. State holds the binary
// encoding of the full order; the other columns are copies for querying.
type OrderRecord struct {
	ID           string    `db:"id" json:"id"`
	TorrentHash  string    `db:"torrent_hash" json:"torrent_hash"`
	Owner        string    `db:"owner" json:"owner"`
	TotalFee     int64     `db:"total_fee" json:"total_fee"`
	PeriodFinish int64     `db:"period_finish" json:"period_finish"`
	State        []byte    `db:"state" json:"-"`
	Version      int64     `db:"version" json:"version"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Payout kinds.
const (
	PayoutReward      = "reward"
	PayoutTreasuryFee = "treasury_fee"
	PayoutRecycle     = "recycle"
)

// Payout records funds leaving an order.
type Payout struct {
	ID        uuid.UUID `db:"id" json:"id"`
	OrderID   string    `db:"order_id" json:"order_id"`
	Recipient string    `db:"recipient" json:"recipient"`
	Kind      string    `db:"kind" json:"kind"`
	Amount    int64     `db:"amount" json:"amount"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// JournalEntry is one successful operation on an order. Seq starts at 1.
type JournalEntry struct {
	ID        uuid.UUID `db:"id" json:"id"`
	OrderID   string    `db:"order_id" json:"order_id"`
	Seq       int64     `db:"seq" json:"seq"`
	Kind      string    `db:"kind" json:"kind"`
	Caller    string    `db:"caller" json:"caller"`
	At        int64     `db:"at" json:"at"`
	Op        []byte    `db:"op" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// StoredFile is a file a provider keeps on disk.
type StoredFile struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	FilePath    string    `db:"file_path" json:"file_path"`
	SizeBytes   int64     `db:"size_bytes" json:"size_bytes"`
	ChunkSize   int64     `db:"chunk_size" json:"chunk_size"`
	ChunkCount  int       `db:"chunk_count" json:"chunk_count"`
	TorrentHash string    `db:"torrent_hash" json:"torrent_hash"`
	MerkleRoot  string    `db:"merkle_root" json:"merkle_root"`
	Status      string    `db:"status" json:"status"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// ServedOrder links an order a provider is registered with to the local file
// backing it.
type ServedOrder struct {
	OrderID   string    `db:"order_id" json:"order_id"`
	FileID    string    `db:"file_id" json:"file_id"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ProofHistoryEntry records a proof the provider submitted.
type ProofHistoryEntry struct {
	ID         int       `db:"id" json:"id"`
	OrderID    string    `db:"order_id" json:"order_id"`
	ChunkIndex int64     `db:"chunk_index" json:"chunk_index"`
	OnTime     bool      `db:"on_time" json:"on_time"`
	Credited   int64     `db:"credited" json:"credited"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
