package storage

import (
	"errors"
	"fmt"
)

// SaveMessage inserts a new chat history row.
func (s *Store) SaveMessage(message Message) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if message.Body == "" {
		return errors.New("body is required")
	}
	if message.Direction == "" {
		message.Direction = DirectionSent
	}
	if err := validateMessageDirection(message.Direction); err != nil {
		return err
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			peer_id,
			peer_nickname,
			direction,
			body,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		message.PeerID,
		message.PeerNickname,
		message.Direction,
		message.Body,
		message.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	return nil
}

// GetMessages returns conversation history with one peer ordered by timestamp.
func (s *Store) GetMessages(peerID string, limit, offset int) ([]Message, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT message_id, peer_id, peer_nickname, direction, body, timestamp
		FROM messages
		WHERE peer_id = ?
		ORDER BY timestamp ASC, message_id ASC
		LIMIT ? OFFSET ?`,
		peerID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for peer %q: %w", peerID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.MessageID,
			&m.PeerID,
			&m.PeerNickname,
			&m.Direction,
			&m.Body,
			&m.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// GetRecentMessages returns the newest rows across all conversations,
// reordered oldest first for display.
func (s *Store) GetRecentMessages(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT message_id, peer_id, peer_nickname, direction, body, timestamp
		FROM (
			SELECT message_id, peer_id, peer_nickname, direction, body, timestamp
			FROM messages
			ORDER BY timestamp DESC, message_id DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC, message_id ASC`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.MessageID,
			&m.PeerID,
			&m.PeerNickname,
			&m.Direction,
			&m.Body,
			&m.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}
