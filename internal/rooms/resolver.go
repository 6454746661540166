package rooms

import (
	"errors"
	"fmt"

	"github.com/pliu/chatrooms/internal/models"
	"github.com/pliu/chatrooms/internal/store"
)

var ErrSelfChat = errors.New("cannot open a private room with yourself")

// Resolver turns handshake route parameters into rooms.
type Resolver struct {
	Store store.Store
}

func NewResolver(s store.Store) *Resolver {
	return &Resolver{Store: s}
}

// ResolvePrivate is PrivateKey; it exists so callers can depend on the
// resolver alone.
func (r *Resolver) ResolvePrivate(userA, userB string) string {
	return PrivateKey(userA, userB)
}

// ResolveGroup returns the key of an existing group room.
func (r *Resolver) ResolveGroup(roomID int) (string, error) {
	room, err := r.Store.GetGroupRoom(roomID)
	if err != nil {
		return "", err
	}
	return room.Key, nil
}

// PrivateRoom resolves the private room between user and the peer named by
// peerUsername, creating it on first contact.
func (r *Resolver) PrivateRoom(user *models.User, peerUsername string) (*models.Room, *models.User, error) {
	if !ValidUsername(peerUsername) {
		return nil, nil, fmt.Errorf("peer %q: %w", peerUsername, store.ErrNotFound)
	}
	if peerUsername == user.Username {
		return nil, nil, ErrSelfChat
	}
	peer, err := r.Store.GetUserByUsername(peerUsername)
	if err != nil {
		return nil, nil, fmt.Errorf("peer %q: %w", peerUsername, err)
	}
	room, _, err := r.Store.EnsurePrivateRoom(r.ResolvePrivate(user.Username, peer.Username), user.ID)
	if err != nil {
		return nil, nil, err
	}
	return room, peer, nil
}

// GroupRoom resolves an existing group room by id.
func (r *Resolver) GroupRoom(roomID int) (*models.Room, error) {
	return r.Store.GetGroupRoom(roomID)
}
