package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pliu/chatrooms/internal/models"
	"github.com/pliu/chatrooms/internal/rooms"
	"github.com/pliu/chatrooms/internal/store"
)

const roomColumns = "id, COALESCE(room_key, ''), kind, name, COALESCE(creator_id, 0), created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*models.Room, error) {
	var room models.Room
	var kind string
	if err := row.Scan(&room.ID, &room.Key, &kind, &room.Name, &room.CreatorID, &room.CreatedAt); err != nil {
		return nil, err
	}
	room.Kind = models.RoomKind(kind)
	return &room, nil
}

// CreateGroupRoom creates a named group room and makes its creator the first
// member. Group room names are unique.
func (s *SQLStore) CreateGroupRoom(name string, creatorID int) (*models.Room, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM rooms WHERE kind = ? AND name = ?)")
	if err := tx.QueryRow(query, string(models.RoomGroup), name).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("group room %q: %w", name, store.ErrConflict)
	}

	room := &models.Room{
		Kind:      models.RoomGroup,
		Name:      name,
		CreatorID: creatorID,
		CreatedAt: s.now().UTC(),
	}
	query = s.rebind("INSERT INTO rooms (kind, name, creator_id, created_at) VALUES (?, ?, ?, ?) RETURNING id")
	if err := tx.QueryRow(query, string(room.Kind), room.Name, creatorID, room.CreatedAt).Scan(&room.ID); err != nil {
		return nil, err
	}

	room.Key = rooms.GroupKey(room.ID)
	if _, err := tx.Exec(s.rebind("UPDATE rooms SET room_key = ? WHERE id = ?"), room.Key, room.ID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(s.rebind("INSERT INTO room_members (room_id, user_id) VALUES (?, ?)"), room.ID, creatorID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.log.Info("group_room_created", zap.String("room", room.Key), zap.String("name", name), zap.Int("creator", creatorID))
	return room, nil
}

// EnsurePrivateRoom returns the private room for key, creating it with both
// participants as members when it does not exist yet. The boolean reports
// whether the room was created by this call.
func (s *SQLStore) EnsurePrivateRoom(key string, creatorID int) (*models.Room, bool, error) {
	a, b, err := rooms.ParsePrivateKey(key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", store.ErrRoomNotFound, err)
	}
	userA, err := s.GetUserByUsername(a)
	if err != nil {
		return nil, false, err
	}
	userB, err := s.GetUserByUsername(b)
	if err != nil {
		return nil, false, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var creator any
	if creatorID != 0 {
		creator = creatorID
	}
	query := s.rebind(`INSERT INTO rooms (room_key, kind, name, creator_id, created_at) VALUES (?, ?, '', ?, ?)
		ON CONFLICT (room_key) DO NOTHING`)
	res, err := tx.Exec(query, key, string(models.RoomPrivate), creator, s.now().UTC())
	if err != nil {
		return nil, false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	room, err := scanRoom(tx.QueryRow(s.rebind("SELECT "+roomColumns+" FROM rooms WHERE room_key = ?"), key))
	if err != nil {
		return nil, false, err
	}
	if inserted > 0 {
		memberQuery := s.rebind("INSERT INTO room_members (room_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING")
		for _, uid := range []int{userA.ID, userB.ID} {
			if _, err := tx.Exec(memberQuery, room.ID, uid); err != nil {
				return nil, false, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	if inserted > 0 {
		s.log.Info("private_room_created", zap.String("room", key))
	}
	return room, inserted > 0, nil
}

func (s *SQLStore) GetRoomByKey(key string) (*models.Room, error) {
	room, err := scanRoom(s.db.QueryRow(s.rebind("SELECT "+roomColumns+" FROM rooms WHERE room_key = ?"), key))
	if err != nil {
		return nil, notFound(err, "room "+key)
	}
	return room, nil
}

func (s *SQLStore) GetGroupRoom(id int) (*models.Room, error) {
	query := s.rebind("SELECT " + roomColumns + " FROM rooms WHERE id = ? AND kind = ?")
	room, err := scanRoom(s.db.QueryRow(query, id, string(models.RoomGroup)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group room %d: %w", id, store.ErrRoomNotFound)
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *SQLStore) ListGroupRooms() ([]models.Room, error) {
	query := s.rebind("SELECT " + roomColumns + " FROM rooms WHERE kind = ? ORDER BY created_at, id")
	rows, err := s.db.Query(query, string(models.RoomGroup))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *room)
	}
	return out, rows.Err()
}

func (s *SQLStore) AddMember(roomID, userID int) error {
	query := s.rebind("INSERT INTO room_members (room_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING")
	_, err := s.db.Exec(query, roomID, userID)
	return err
}

func (s *SQLStore) RemoveMember(roomID, userID int) error {
	query := s.rebind("DELETE FROM room_members WHERE room_id = ? AND user_id = ?")
	res, err := s.db.Exec(query, roomID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("member %d of room %d: %w", userID, roomID, store.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) IsMember(roomID, userID int) (bool, error) {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = ? AND user_id = ?)")
	err := s.db.QueryRow(query, roomID, userID).Scan(&exists)
	return exists, err
}

func (s *SQLStore) GetRoomMembers(roomID int) ([]models.User, error) {
	query := s.rebind(`
		SELECT u.id, u.username, u.email
		FROM users u
		JOIN room_members m ON u.id = m.user_id
		WHERE m.room_id = ?
		ORDER BY u.username
	`)
	rows, err := s.db.Query(query, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email); err != nil {
			return nil, err
		}
		u.Email = maskEmail(u.Email)
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteRoom removes a room together with its members and messages.
func (s *SQLStore) DeleteRoom(roomID int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Delete messages first (foreign key constraint)
	if _, err := tx.Exec(s.rebind("DELETE FROM messages WHERE room_id = ?"), roomID); err != nil {
		return err
	}
	if _, err := tx.Exec(s.rebind("DELETE FROM room_members WHERE room_id = ?"), roomID); err != nil {
		return err
	}
	res, err := tx.Exec(s.rebind("DELETE FROM rooms WHERE id = ?"), roomID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("room %d: %w", roomID, store.ErrRoomNotFound)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.stampMu.Lock()
	delete(s.lastStamp, roomID)
	s.stampMu.Unlock()
	return nil
}
