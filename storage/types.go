package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DirectionSent marks a message written by the local user.
	DirectionSent = "sent"
	// DirectionReceived marks a message written by a remote peer.
	DirectionReceived = "received"
)

const (
	// TransferDirectionSend marks an outgoing file transfer.
	TransferDirectionSend = "send"
	// TransferDirectionReceive marks an incoming file transfer.
	TransferDirectionReceive = "receive"
)

const (
	// TransferStatusActive marks a transfer still moving bytes.
	TransferStatusActive = "active"
	// TransferStatusComplete marks a verified finished transfer.
	TransferStatusComplete = "complete"
	// TransferStatusFailed marks an aborted or rejected transfer.
	TransferStatusFailed = "failed"
)

// Message is the SQLite representation of one chat history entry.
type Message struct {
	MessageID    string
	PeerID       string
	PeerNickname string
	Direction    string
	Body         string
	Timestamp    int64
}

// Transfer is the SQLite representation of one file transfer record.
type Transfer struct {
	TransferID string
	PeerID     string
	Direction  string
	FileName   string
	StoredPath string
	TotalSize  int64
	Status     string
	Error      string
	StartedAt  int64
	FinishedAt *int64
}

func validateMessageDirection(direction string) error {
	switch direction {
	case DirectionSent, DirectionReceived:
		return nil
	default:
		return fmt.Errorf("invalid message direction %q", direction)
	}
}

func validateTransferDirection(direction string) error {
	switch direction {
	case TransferDirectionSend, TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusActive, TransferStatusComplete, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
