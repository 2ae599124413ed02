package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveTransfer inserts a new transfer row, normally in the active state.
func (s *Store) SaveTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if transfer.FileName == "" {
		return errors.New("file_name is required")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.Status == "" {
		transfer.Status = TransferStatusActive
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			peer_id,
			direction,
			file_name,
			stored_path,
			total_size,
			status,
			error,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.PeerID,
		transfer.Direction,
		transfer.FileName,
		transfer.StoredPath,
		transfer.TotalSize,
		transfer.Status,
		transfer.Error,
		transfer.StartedAt,
		nullInt64(transfer.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}

	return nil
}

// FinishTransfer records the terminal outcome of a transfer.
func (s *Store) FinishTransfer(transferID, status, storedPath, reason string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}
	if status == TransferStatusActive {
		return fmt.Errorf("status %q is not terminal", status)
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, stored_path = ?, error = ?, finished_at = ?
		WHERE transfer_id = ?`,
		status,
		storedPath,
		reason,
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("finish transfer %q: %w", transferID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for finish transfer %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransfer fetches one transfer by ID.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	if transferID == "" {
		return nil, errors.New("transfer_id is required")
	}

	row := s.db.QueryRow(
		`SELECT transfer_id, peer_id, direction, file_name, stored_path,
			total_size, status, error, started_at, finished_at
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	var t Transfer
	var finishedAt sql.NullInt64
	err := row.Scan(
		&t.TransferID,
		&t.PeerID,
		&t.Direction,
		&t.FileName,
		&t.StoredPath,
		&t.TotalSize,
		&t.Status,
		&t.Error,
		&t.StartedAt,
		&finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	t.FinishedAt = int64Ptr(finishedAt)

	return &t, nil
}

// GetTransfers returns transfer history for one peer, newest first.
func (s *Store) GetTransfers(peerID string, limit int) ([]Transfer, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT transfer_id, peer_id, direction, file_name, stored_path,
			total_size, status, error, started_at, finished_at
		FROM transfers
		WHERE peer_id = ?
		ORDER BY started_at DESC, transfer_id DESC
		LIMIT ?`,
		peerID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get transfers for peer %q: %w", peerID, err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		var t Transfer
		var finishedAt sql.NullInt64
		if err := rows.Scan(
			&t.TransferID,
			&t.PeerID,
			&t.Direction,
			&t.FileName,
			&t.StoredPath,
			&t.TotalSize,
			&t.Status,
			&t.Error,
			&t.StartedAt,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		t.FinishedAt = int64Ptr(finishedAt)
		transfers = append(transfers, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}
