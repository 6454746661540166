package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/chatrooms/internal/events"
	"github.com/pliu/chatrooms/internal/media"
	"github.com/pliu/chatrooms/internal/middleware"
	"github.com/pliu/chatrooms/internal/models"
	"github.com/pliu/chatrooms/internal/rooms"
	"github.com/pliu/chatrooms/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, store.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrEmptyMessage), errors.Is(err, rooms.ErrSelfChat),
		errors.Is(err, rooms.ErrInvalidKey), errors.Is(err, media.ErrInvalidDataURI),
		errors.Is(err, media.ErrForeignMedia):
		return http.StatusBadRequest
	case errors.Is(err, media.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, media.ErrMediaTooLarge), errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func httpError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("request_failed", zap.Error(err))
		http.Error(w, "Internal server error", status)
		return
	}
	http.Error(w, http.StatusText(status), status)
}

// currentUser loads the user AuthMiddleware put in the context.
func currentUser(r *http.Request, s store.Store) (*models.User, error) {
	id, ok := middleware.UserID(r.Context())
	if !ok {
		return nil, store.ErrUnauthenticated
	}
	user, err := s.GetUserByID(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.ErrUnauthenticated
	}
	return user, err
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// messageView is a message as the room pages return it.
type messageView struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	MediaURL  string    `json:"media_url"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
	Timestamp string    `json:"timestamp"`
}

func viewMessages(messages []models.Message, now time.Time) []messageView {
	out := make([]messageView, 0, len(messages))
	for i := range messages {
		out = append(out, viewMessage(&messages[i], now))
	}
	return out
}

func viewMessage(m *models.Message, now time.Time) messageView {
	return messageView{
		ID:        m.ID,
		Sender:    m.Username,
		Content:   m.Content,
		MediaURL:  m.MediaURL,
		Deleted:   m.Deleted,
		CreatedAt: m.CreatedAt,
		Timestamp: events.FormatTimestamp(m.CreatedAt, now),
	}
}
