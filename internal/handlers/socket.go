package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/chatrooms/internal/auth"
	"github.com/pliu/chatrooms/internal/models"
	"github.com/pliu/chatrooms/internal/rooms"
	"github.com/pliu/chatrooms/internal/store"
	"github.com/pliu/chatrooms/internal/ws"
)

// SocketHandler resolves identity and room for websocket handshakes. Both
// are settled before the upgrade so a rejected handshake has no side effects.
type SocketHandler struct {
	Store    store.Store
	Resolver *rooms.Resolver
	Signer   *auth.Signer
	Sockets  *ws.Server
	Log      *zap.Logger
}

func (h *SocketHandler) identify(r *http.Request) *models.User {
	id, err := h.Signer.UserID(r)
	if err != nil {
		return nil
	}
	user, err := h.Store.GetUserByID(id)
	if err != nil {
		return nil
	}
	return user
}

func (h *SocketHandler) Private(w http.ResponseWriter, r *http.Request) {
	user := h.identify(r)
	if user == nil {
		h.Sockets.Serve(w, r, nil, "")
		return
	}
	room, _, err := h.Resolver.PrivateRoom(user, mux.Vars(r)["username"])
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	h.Sockets.Serve(w, r, user, room.Key)
}

func (h *SocketHandler) Group(w http.ResponseWriter, r *http.Request) {
	user := h.identify(r)
	if user == nil {
		h.Sockets.Serve(w, r, nil, "")
		return
	}
	id, err := roomID(r)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	key, err := h.Resolver.ResolveGroup(id)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	h.Sockets.Serve(w, r, user, key)
}
