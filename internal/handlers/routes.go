package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/chatrooms/internal/auth"
	"github.com/pliu/chatrooms/internal/middleware"
)

// Router wires every endpoint. Websocket routes authenticate themselves so
// they can refuse a handshake before upgrading.
func Router(a *AuthHandler, c *ChatHandler, s *SocketHandler, signer *auth.Signer, log *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log))

	r.HandleFunc("/signup", a.Signup).Methods(http.MethodPost)
	r.HandleFunc("/login", a.Login).Methods(http.MethodPost)
	r.HandleFunc("/logout", a.Logout).Methods(http.MethodPost)

	r.HandleFunc("/ws/chat/private/{username}/", s.Private).Methods(http.MethodGet)
	r.HandleFunc("/ws/chat/group/{room_id:[0-9]+}/", s.Group).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware(signer))
	api.HandleFunc("/users/search", a.SearchUsers).Methods(http.MethodGet)
	api.HandleFunc("/rooms", c.ListRooms).Methods(http.MethodGet)
	api.HandleFunc("/rooms", c.CreateRoom).Methods(http.MethodPost)
	api.HandleFunc("/chat/{username}/", c.PrivateChat).Methods(http.MethodGet)
	api.HandleFunc("/chat/{username}/upload/", c.UploadPrivate).Methods(http.MethodPost)
	api.HandleFunc("/group/{room_id:[0-9]+}/", c.GroupChat).Methods(http.MethodGet)
	api.HandleFunc("/group/{room_id:[0-9]+}/", c.DeleteRoom).Methods(http.MethodDelete)
	api.HandleFunc("/group/{room_id:[0-9]+}/upload/", c.UploadGroup).Methods(http.MethodPost)
	api.HandleFunc("/group/{room_id:[0-9]+}/members", c.AddMember).Methods(http.MethodPost)
	api.HandleFunc("/group/{room_id:[0-9]+}/members/{user_id:[0-9]+}", c.RemoveMember).Methods(http.MethodDelete)
	api.HandleFunc("/delete-message/{message_id:[0-9]+}/", c.DeleteMessage).Methods(http.MethodPost)

	return r
}
