package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/chatrooms/internal/models"
	"github.com/pliu/chatrooms/internal/rooms"
	"github.com/pliu/chatrooms/internal/store"
)

const messageSelect = `
	SELECT m.id, m.room_id, COALESCE(r.room_key, ''), m.user_id, u.username, m.content, m.media_url, m.created_at, m.deleted
	FROM messages m
	JOIN users u ON m.user_id = u.id
	JOIN rooms r ON m.room_id = r.id
`

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	if err := row.Scan(&m.ID, &m.RoomID, &m.RoomKey, &m.UserID, &m.Username, &m.Content, &m.MediaURL, &m.CreatedAt, &m.Deleted); err != nil {
		return nil, err
	}
	return &m, nil
}

// Append persists a message in the room identified by roomKey. Private rooms
// are created on first contact; a missing group room is an error.
func (s *SQLStore) Append(ctx context.Context, roomKey string, senderID int, content, mediaURL string) (*models.Message, error) {
	if content == "" && mediaURL == "" {
		return nil, store.ErrEmptyMessage
	}
	sender, err := s.GetUserByID(senderID)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}

	room, err := s.GetRoomByKey(roomKey)
	switch {
	case errors.Is(err, store.ErrNotFound) && rooms.IsPrivateKey(roomKey):
		room, _, err = s.EnsurePrivateRoom(roomKey, senderID)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("room %s: %w", roomKey, store.ErrRoomNotFound)
	case err != nil:
		return nil, err
	}

	lock := s.appendLock(room.Key)
	lock.Lock()
	defer lock.Unlock()

	createdAt, err := s.nextStamp(ctx, room.ID)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		RoomID:    room.ID,
		RoomKey:   room.Key,
		UserID:    sender.ID,
		Username:  sender.Username,
		Content:   content,
		MediaURL:  mediaURL,
		CreatedAt: createdAt,
	}
	query := s.rebind("INSERT INTO messages (room_id, user_id, content, media_url, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id")
	if err := s.db.QueryRowContext(ctx, query, room.ID, sender.ID, content, mediaURL, createdAt).Scan(&msg.ID); err != nil {
		s.log.Error("append_message_failed", zap.String("room", room.Key), zap.Error(err))
		return nil, err
	}
	s.recordStamp(room.ID, createdAt)

	s.log.Debug("message_appended", zap.String("room", room.Key), zap.Int64("message_id", msg.ID))
	return msg, nil
}

// nextStamp returns the creation time for the next message of a room. It never
// goes below the last stamp handed out for that room, even if the wall clock
// steps backwards. Callers hold the room's append lock.
func (s *SQLStore) nextStamp(ctx context.Context, roomID int) (time.Time, error) {
	now := s.now().UTC()

	s.stampMu.Lock()
	last, ok := s.lastStamp[roomID]
	s.stampMu.Unlock()

	if !ok {
		query := s.rebind("SELECT created_at FROM messages WHERE room_id = ? ORDER BY created_at DESC, id DESC LIMIT 1")
		err := s.db.QueryRowContext(ctx, query, roomID).Scan(&last)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, err
		}
	}
	if now.Before(last) {
		now = last
	}
	return now, nil
}

func (s *SQLStore) recordStamp(roomID int, ts time.Time) {
	s.stampMu.Lock()
	s.lastStamp[roomID] = ts
	s.stampMu.Unlock()
}

// SoftDelete tombstones a message. Only the sender may delete. Deleting an
// already deleted message succeeds and reports changed=false.
func (s *SQLStore) SoftDelete(ctx context.Context, messageID int64, requesterID int) (*models.Message, bool, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	if msg.UserID != requesterID {
		return nil, false, fmt.Errorf("message %d: %w", messageID, store.ErrForbidden)
	}
	if msg.Deleted {
		return msg, false, nil
	}

	query := s.rebind("UPDATE messages SET deleted = TRUE, content = ?, media_url = '' WHERE id = ? AND deleted = FALSE")
	res, err := s.db.ExecContext(ctx, query, models.Tombstone, messageID)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	msg.Retract()
	if n == 0 {
		// A concurrent delete got there first.
		return msg, false, nil
	}
	s.log.Info("message_retracted", zap.String("room", msg.RoomKey), zap.Int64("message_id", messageID))
	return msg, true, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, messageID int64) (*models.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, s.rebind(messageSelect+" WHERE m.id = ?"), messageID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("message %d", messageID))
	}
	return msg, nil
}

// History returns every message of a room, tombstones included, oldest first.
func (s *SQLStore) History(ctx context.Context, roomKey string) ([]models.Message, error) {
	if _, err := s.GetRoomByKey(roomKey); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("room %s: %w", roomKey, store.ErrRoomNotFound)
		}
		return nil, err
	}

	query := s.rebind(messageSelect + " WHERE r.room_key = ? ORDER BY m.created_at ASC, m.id ASC")
	rows, err := s.db.QueryContext(ctx, query, roomKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}
