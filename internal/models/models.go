package models

import "time"

// Tombstone replaces the content of a soft-deleted message.
const Tombstone = "[message deleted]"

type RoomKind string

const (
	RoomPrivate RoomKind = "private"
	RoomGroup   RoomKind = "group"
)

type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"-"`
}

type Room struct {
	ID        int       `json:"id"`
	Key       string    `json:"key"`
	Kind      RoomKind  `json:"kind"`
	Name      string    `json:"name,omitempty"`
	CreatorID int       `json:"creator_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsCreator reports whether userID created the room. Private rooms have no
// meaningful creator for management purposes.
func (r *Room) IsCreator(userID int) bool {
	return r.Kind == RoomGroup && r.CreatorID != 0 && r.CreatorID == userID
}

type Message struct {
	ID        int64     `json:"id"`
	RoomID    int       `json:"room_id"`
	RoomKey   string    `json:"room_key"`
	UserID    int       `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	MediaURL  string    `json:"media_url"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted"`
}

// Retract turns the message into a tombstone. It is irreversible.
func (m *Message) Retract() {
	m.Deleted = true
	m.Content = Tombstone
	m.MediaURL = ""
}
