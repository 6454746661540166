package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/chatrooms/internal/chat"
	"github.com/pliu/chatrooms/internal/media"
	"github.com/pliu/chatrooms/internal/models"
	"github.com/pliu/chatrooms/internal/rooms"
	"github.com/pliu/chatrooms/internal/store"
)

type ChatHandler struct {
	Store    store.Store
	Resolver *rooms.Resolver
	Chat     *chat.Service
	Media    *media.Store
	Policy   media.Policy
	Log      *zap.Logger

	// Now renders timestamps; defaults to time.Now.
	Now func() time.Time
}

func (h *ChatHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

type CreateRoomRequest struct {
	Name string `json:"name"`
}

type AddMemberRequest struct {
	Username string `json:"username"`
}

func roomID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(mux.Vars(r)["room_id"])
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("room %q: %w", mux.Vars(r)["room_id"], store.ErrRoomNotFound)
	}
	return id, nil
}

func (h *ChatHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListGroupRooms()
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	if list == nil {
		list = []models.Room{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ChatHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r, h.Store)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		http.Error(w, "Room name is required", http.StatusBadRequest)
		return
	}

	room, err := h.Store.CreateGroupRoom(req.Name, user.ID)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

// PrivateChat opens the private room with the user in the path, creating it
// on first visit, and returns its history.
func (h *ChatHandler) PrivateChat(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r, h.Store)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	room, peer, err := h.Resolver.PrivateRoom(user, mux.Vars(r)["username"])
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	messages, err := h.Chat.History(r.Context(), room.Key)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"room":     room,
		"peer":     peer,
		"messages": viewMessages(messages, h.now()),
	})
}

func (h *ChatHandler) GroupChat(w http.ResponseWriter, r *http.Request) {
	id, err := roomID(r)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	room, err := h.Resolver.GroupRoom(id)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	members, err := h.Store.GetRoomMembers(room.ID)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	messages, err := h.Chat.History(r.Context(), room.Key)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}

	now := h.now()
	if members == nil {
		members = []models.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room":         room,
		"created_time": viewMessage(&models.Message{CreatedAt: room.CreatedAt}, now).Timestamp,
		"members":      members,
		"messages":     viewMessages(messages, now),
	})
}

// managedRoom loads a group room and checks that user created it.
func (h *ChatHandler) managedRoom(r *http.Request, user *models.User) (*models.Room, error) {
	id, err := roomID(r)
	if err != nil {
		return nil, err
	}
	room, err := h.Resolver.GroupRoom(id)
	if err != nil {
		return nil, err
	}
	if !room.IsCreator(user.ID) {
		return nil, fmt.Errorf("room %s: %w", room.Key, store.ErrForbidden)
	}
	return room, nil
}

func (h *ChatHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r, h.Store)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	room, err := h.managedRoom(r, user)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	member, err := h.Store.GetUserByUsername(req.Username)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	if err := h.Store.AddMember(room.ID, member.ID); err != nil {
		httpError(w, h.Log, err)
		return
	}

	h.Log.Info("member_added", zap.String("room", room.Key), zap.String("member", member.Username))
	w.WriteHeader(http.StatusOK)
}

func (h *ChatHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r, h.Store)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	room, err := h.managedRoom(r, user)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	memberID, err := strconv.Atoi(mux.Vars(r)["user_id"])
	if err != nil {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return
	}
	if memberID == room.CreatorID {
		http.Error(w, "The creator cannot leave their own room", http.StatusBadRequest)
		return
	}
	if err := h.Store.RemoveMember(room.ID, memberID); err != nil {
		httpError(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r, h.Store)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	room, err := h.managedRoom(r, user)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	if err := h.Chat.DeleteRoom(r.Context(), room); err != nil {
		httpError(w, h.Log, err)
		return
	}

	h.Log.Info("group_room_deleted", zap.String("room", room.Key), zap.Int("by", user.ID))
	w.WriteHeader(http.StatusNoContent)
}

// DeleteMessage tombstones a message; only its sender may do so.
func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r, h.Store)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"ok": false, "error": "Unauthorized"})
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["message_id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "Not found"})
		return
	}

	msg, err := h.Chat.Delete(r.Context(), id, user.ID)
	if err != nil {
		status := statusFor(err)
		text := http.StatusText(status)
		if errors.Is(err, store.ErrForbidden) {
			text = "Not allowed"
		} else if status == http.StatusInternalServerError {
			h.Log.Error("delete_message_failed", zap.Int64("message_id", id), zap.Error(err))
		}
		writeJSON(w, status, map[string]any{"ok": false, "error": text})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message_id": msg.ID})
}
