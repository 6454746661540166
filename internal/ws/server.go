package ws

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pliu/chatrooms/internal/models"
	"github.com/pliu/chatrooms/internal/store"
)

// Server upgrades HTTP requests into room sessions.
type Server struct {
	hub      *Hub
	sender   Sender
	cfg      SessionConfig
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewServer(hub *Hub, sender Sender, cfg SessionConfig, allowedOrigins []string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		hub:    hub,
		sender: sender,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins, log),
		},
		log: log,
	}
}

// Serve upgrades the request and binds the session to roomKey on behalf of
// user. The caller resolves both beforehand; a nil user is answered with 401
// before any upgrade happens.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, user *models.User, roomKey string) error {
	if user == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return store.ErrUnauthenticated
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.log.Warn("websocket_upgrade_failed", zap.Error(err))
		return err
	}

	client := newClient(s.hub, conn, s.sender, user, roomKey, s.cfg, s.log)
	if err := client.start(); err != nil {
		return err
	}

	// The request context ends when the handler returns, so pumps get their own.
	go client.writePump()
	go client.readPump(context.WithoutCancel(r.Context()))
	return nil
}
