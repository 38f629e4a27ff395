package chunkstore

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sha256 "github.com/minio/sha256-simd"

	"github.com/federated-storage/storage-market/internal/merkle"
	"github.com/federated-storage/storage-market/internal/models"
	"github.com/federated-storage/storage-market/internal/order"
)

// File statuses.
const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

var (
	// ErrNotFound is returned when a file or order is unknown.
	ErrNotFound = errors.New("not found")
	// ErrCorrupted is returned when a chunk on disk no longer matches the
	// value recorded when the file was added.
	ErrCorrupted = errors.New("chunk corrupted")
)

// FileService stores files and builds proofs over them
type FileService struct {
	db       *DB
	chunkDir string
}

// NewFileService creates a new file service
func NewFileService(db *DB, chunkDir string) *FileService {
	return &FileService{
		db:       db,
		chunkDir: chunkDir,
	}
}

// AddFile copies the file at src into the chunk directory and records its
// torrent hash, chunk values and Merkle root.
func (s *FileService) AddFile(src string) (*models.StoredFile, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	size := uint64(info.Size())
	if size == 0 {
		return nil, merkle.ErrNoChunks
	}

	if err := os.MkdirAll(s.chunkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.chunkDir, ".incoming-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	// One pass copies the file, hashes it and derives its chunk values.
	digest := sha256.New()
	values, err := merkle.ReadChunks(io.TeeReader(in, io.MultiWriter(tmp, digest)), size)
	if err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync file: %w", err)
	}
	tree, err := merkle.Build(values)
	if err != nil {
		return nil, err
	}
	var torrent merkle.Hash
	copy(torrent[:], digest.Sum(nil))

	if existing, err := s.FileByTorrent(torrent); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	file := &models.StoredFile{
		ID:          uuid.New().String(),
		Name:        filepath.Base(src),
		SizeBytes:   int64(size),
		ChunkSize:   int64(merkle.ChunkSize(size)),
		ChunkCount:  len(values),
		TorrentHash: torrent.String(),
		MerkleRoot:  tree.Root().String(),
		Status:      StatusActive,
	}
	dirPath := filepath.Join(s.chunkDir, file.TorrentHash[:2])
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}
	file.FilePath = filepath.Join(dirPath, file.TorrentHash)
	if err := os.Rename(tmp.Name(), file.FilePath); err != nil {
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}

	if err := s.insert(file, values); err != nil {
		// Clean up the file if the database insert fails
		os.Remove(file.FilePath)
		return nil, err
	}
	return file, nil
}

func (s *FileService) insert(file *models.StoredFile, values []merkle.Hash) error {
	tx, err := s.db.Conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.Exec(
		`INSERT INTO stored_files (id, name, file_path, size_bytes, chunk_size, chunk_count, torrent_hash, merkle_root, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.Name, file.FilePath, file.SizeBytes, file.ChunkSize, file.ChunkCount,
		file.TorrentHash, file.MerkleRoot, file.Status, now, now)
	if err != nil {
		return fmt.Errorf("failed to store file metadata: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO chunk_values (file_id, chunk_index, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()
	for i, v := range values {
		if _, err := stmt.Exec(file.ID, i, v[:]); err != nil {
			return fmt.Errorf("failed to store chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit file: %w", err)
	}
	file.CreatedAt, file.UpdatedAt = now, now
	return nil
}

const fileColumns = "id, name, file_path, size_bytes, chunk_size, chunk_count, torrent_hash, merkle_root, status, created_at, updated_at"

func scanFile(row interface{ Scan(...any) error }) (*models.StoredFile, error) {
	var f models.StoredFile
	err := row.Scan(&f.ID, &f.Name, &f.FilePath, &f.SizeBytes, &f.ChunkSize, &f.ChunkCount,
		&f.TorrentHash, &f.MerkleRoot, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}
	return &f, nil
}

// GetFile retrieves a file by ID (metadata only)
func (s *FileService) GetFile(id string) (*models.StoredFile, error) {
	return scanFile(s.db.Conn.QueryRow(`SELECT `+fileColumns+` FROM stored_files WHERE id = ?`, id))
}

// FileByTorrent retrieves an active file by its torrent hash
func (s *FileService) FileByTorrent(torrent merkle.Hash) (*models.StoredFile, error) {
	return scanFile(s.db.Conn.QueryRow(
		`SELECT `+fileColumns+` FROM stored_files WHERE torrent_hash = ? AND status = 'active'`, torrent.String()))
}

// ListFiles lists all active files
func (s *FileService) ListFiles() ([]models.StoredFile, error) {
	rows, err := s.db.Conn.Query(`SELECT ` + fileColumns + ` FROM stored_files WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []models.StoredFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// DeleteFile marks a file as deleted and removes its data
func (s *FileService) DeleteFile(id string) error {
	file, err := s.GetFile(id)
	if err != nil {
		return err
	}
	_, err = s.db.Conn.Exec(
		"UPDATE stored_files SET status = 'deleted', updated_at = ? WHERE id = ?",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if err := os.Remove(file.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove file data: %w", err)
	}
	return nil
}

// GetTotalStorage returns total storage used in bytes
func (s *FileService) GetTotalStorage() (int64, error) {
	var total int64
	err := s.db.Conn.QueryRow(
		"SELECT COALESCE(SUM(size_bytes), 0) FROM stored_files WHERE status = 'active'").Scan(&total)
	return total, err
}

// ChunkValues returns the recorded chunk values of a file
func (s *FileService) ChunkValues(fileID string) ([]merkle.Hash, error) {
	rows, err := s.db.Conn.Query(
		`SELECT value FROM chunk_values WHERE file_id = ? ORDER BY chunk_index`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []merkle.Hash
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var h merkle.Hash
		copy(h[:], b)
		values = append(values, h)
	}
	return values, rows.Err()
}

// BuildProof reads chunk index of a file from disk and builds the proof the
// market expects for it.
func (s *FileService) BuildProof(fileID string, index uint64) (order.Proof, error) {
	file, err := s.GetFile(fileID)
	if err != nil {
		return order.Proof{}, err
	}
	values, err := s.ChunkValues(fileID)
	if err != nil {
		return order.Proof{}, fmt.Errorf("failed to load chunk values: %w", err)
	}
	tree, err := merkle.Build(values)
	if err != nil {
		return order.Proof{}, err
	}
	path, err := tree.Proof(index)
	if err != nil {
		return order.Proof{}, err
	}

	f, err := os.Open(file.FilePath)
	if err != nil {
		return order.Proof{}, fmt.Errorf("failed to open file data: %w", err)
	}
	defer f.Close()
	raw, err := merkle.ReadChunk(f, uint64(file.SizeBytes), index)
	if err != nil {
		return order.Proof{}, err
	}
	value := merkle.ChunkHash(raw)
	if value != values[index] {
		return order.Proof{}, fmt.Errorf("%w: file %s chunk %d", ErrCorrupted, fileID, index)
	}

	return order.Proof{Chunk: value, Path: path}, nil
}
