package chunkstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/federated-storage/storage-market/internal/models"
	"github.com/federated-storage/storage-market/internal/order"
)

// Served order statuses.
const (
	OrderActive = "active"
	OrderEnded  = "ended"
)

// ServeOrder records that the provider serves order id from fileID.
func (s *FileService) ServeOrder(id order.ID, fileID string) error {
	if _, err := s.GetFile(fileID); err != nil {
		return err
	}
	_, err := s.db.Conn.Exec(
		`INSERT INTO served_orders (order_id, file_id, status, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(order_id) DO UPDATE SET file_id = excluded.file_id, status = excluded.status`,
		id.String(), fileID, OrderActive, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record served order: %w", err)
	}
	return nil
}

// ServedOrder returns a single served order.
func (s *FileService) ServedOrder(id order.ID) (*models.ServedOrder, error) {
	var o models.ServedOrder
	err := s.db.Conn.QueryRow(
		`SELECT order_id, file_id, status, created_at FROM served_orders WHERE order_id = ?`,
		id.String()).Scan(&o.OrderID, &o.FileID, &o.Status, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load served order: %w", err)
	}
	return &o, nil
}

// ServedOrders lists served orders with the given status, or all when status
// is empty.
func (s *FileService) ServedOrders(status string) ([]models.ServedOrder, error) {
	query := `SELECT order_id, file_id, status, created_at FROM served_orders`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []models.ServedOrder
	for rows.Next() {
		var o models.ServedOrder
		if err := rows.Scan(&o.OrderID, &o.FileID, &o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// SetServedStatus updates the status of a served order.
func (s *FileService) SetServedStatus(id order.ID, status string) error {
	res, err := s.db.Conn.Exec(`UPDATE served_orders SET status = ? WHERE order_id = ?`, status, id.String())
	if err != nil {
		return fmt.Errorf("failed to update served order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordProof appends a submitted proof to the history of an order.
func (s *FileService) RecordProof(id order.ID, index uint64, result order.ProofResult) error {
	_, err := s.db.Conn.Exec(
		`INSERT INTO proof_history (order_id, chunk_index, on_time, credited, created_at) VALUES (?, ?, ?, ?, ?)`,
		id.String(), int64(index), result.OnTime, int64(result.Credited), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record proof: %w", err)
	}
	return nil
}

// ProofHistory returns the most recent proofs of an order, newest first.
func (s *FileService) ProofHistory(id order.ID, limit int) ([]models.ProofHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Conn.Query(
		`SELECT id, order_id, chunk_index, on_time, credited, created_at FROM proof_history
		 WHERE order_id = ? ORDER BY id DESC LIMIT ?`, id.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ProofHistoryEntry
	for rows.Next() {
		var e models.ProofHistoryEntry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.ChunkIndex, &e.OnTime, &e.Credited, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
