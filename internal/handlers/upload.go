package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/chatrooms/internal/media"
	"github.com/pliu/chatrooms/internal/models"
)

// multipart overhead allowed on top of the media size limit
const formOverhead = 1 << 20

func (h *ChatHandler) UploadPrivate(w http.ResponseWriter, r *http.Request) {
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
	h.upload(w, r, user, room.Key, "/chat/"+peer.Username+"/")
}

func (h *ChatHandler) UploadGroup(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r, h.Store)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
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
	h.upload(w, r, user, room.Key, fmt.Sprintf("/group/%d/", room.ID))
}

// upload stores the "media" form file and hands it to the upload bridge so
// live sessions in the room receive it like any other message.
func (h *ChatHandler) upload(w http.ResponseWriter, r *http.Request, user *models.User, roomKey, redirect string) {
	limit := h.Policy.MaxBytes
	if limit <= 0 {
		limit = media.DefaultMaxBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)

	file, header, err := r.FormFile("media")
	if errors.Is(err, http.ErrMissingFile) {
		http.Error(w, "No media file", http.StatusBadRequest)
		return
	}
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		httpError(w, h.Log, err)
		return
	}
	defer file.Close()

	contentType, err := detectContentType(file, header)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	if err := h.Policy.Check(contentType, header.Size); err != nil {
		httpError(w, h.Log, err)
		return
	}

	url, err := h.Media.Save(file, contentType)
	if err != nil {
		httpError(w, h.Log, err)
		return
	}
	msg, err := h.Chat.Submit(r.Context(), roomKey, user, url)
	if err != nil {
		if rmErr := h.Media.Remove(url); rmErr != nil {
			h.Log.Warn("media_remove_failed", zap.String("url", url), zap.Error(rmErr))
		}
		httpError(w, h.Log, err)
		return
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusCreated, viewMessage(msg, h.now()))
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// detectContentType trusts the part header unless it is missing or generic,
// in which case the first bytes are sniffed.
func detectContentType(file multipart.File, header *multipart.FileHeader) (string, error) {
	if ct := header.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
			return mediaType, nil
		}
		return "", fmt.Errorf("%w: %q", media.ErrUnsupportedMedia, ct)
	}

	buf := make([]byte, 512)
	n, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	mediaType, _, _ := mime.ParseMediaType(http.DetectContentType(buf[:n]))
	return mediaType, nil
}
