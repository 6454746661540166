package store

import (
	"context"
	"errors"

	"github.com/pliu/chatrooms/internal/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrRoomNotFound    = errors.New("room not found")
	ErrForbidden       = errors.New("forbidden")
	ErrEmptyMessage    = errors.New("message has neither content nor media")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrConflict        = errors.New("already exists")
)

type Store interface {
	// User operations
	CreateUser(user *models.User) error
	GetUserByUsername(username string) (*models.User, error)
	GetUserByID(id int) (*models.User, error)
	SearchUsers(query string) ([]models.User, error)

	// Room operations
	CreateGroupRoom(name string, creatorID int) (*models.Room, error)
	EnsurePrivateRoom(key string, creatorID int) (*models.Room, bool, error)
	GetRoomByKey(key string) (*models.Room, error)
	GetGroupRoom(id int) (*models.Room, error)
	ListGroupRooms() ([]models.Room, error)
	AddMember(roomID, userID int) error
	RemoveMember(roomID, userID int) error
	IsMember(roomID, userID int) (bool, error)
	GetRoomMembers(roomID int) ([]models.User, error)
	DeleteRoom(roomID int) error

	// Message operations
	Append(ctx context.Context, roomKey string, senderID int, content, mediaURL string) (*models.Message, error)
	SoftDelete(ctx context.Context, messageID int64, requesterID int) (*models.Message, bool, error)
	GetMessage(ctx context.Context, messageID int64) (*models.Message, error)
	History(ctx context.Context, roomKey string) ([]models.Message, error)

	Close() error
}
