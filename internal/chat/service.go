// Package chat is the single persist-then-publish path shared by websocket
// sessions, HTTP uploads and message deletion.
package chat

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pliu/chatrooms/internal/events"
	"github.com/pliu/chatrooms/internal/media"
	"github.com/pliu/chatrooms/internal/metrics"
	"github.com/pliu/chatrooms/internal/models"
	"github.com/pliu/chatrooms/internal/store"
)

// Publisher fans an event out to the sessions of a room and returns how many
// sessions it was handed to.
type Publisher interface {
	Publish(roomKey string, e events.Event) int
}

// MediaStore persists inline attachments.
type MediaStore interface {
	SaveDataURI(ref string, p media.Policy) (string, error)
	Owns(url string) bool
	Remove(url string) error
}

// RoomCloser is implemented by publishers that can drop every session of a
// room.
type RoomCloser interface {
	CloseRoom(roomKey string) int
}

const (
	SourceSession = "session"
	SourceUpload  = "upload"
)

type Service struct {
	store  store.Store
	pub    Publisher
	media  MediaStore
	policy media.Policy
	log    *zap.Logger
}

func NewService(s store.Store, pub Publisher, m MediaStore, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: s, pub: pub, media: m, policy: media.DefaultPolicy(), log: log}
}

// WithPolicy sets the policy inline media must pass before it is stored.
func (s *Service) WithPolicy(p media.Policy) *Service {
	s.policy = p
	return s
}

// Send persists a message from a live session and publishes it to the room.
// A data URI media reference is stored first and replaced by its URL.
// References to files already in the media store are refused; each stored
// file belongs to the one message that created it.
func (s *Service) Send(ctx context.Context, roomKey string, sender *models.User, text, mediaRef string) (*models.Message, error) {
	if text == "" && mediaRef == "" {
		return nil, store.ErrEmptyMessage
	}
	if s.media != nil {
		switch {
		case media.IsDataURI(mediaRef):
			url, err := s.media.SaveDataURI(mediaRef, s.policy)
			if err != nil {
				return nil, fmt.Errorf("store media: %w", err)
			}
			mediaRef = url
		case s.media.Owns(mediaRef):
			return nil, fmt.Errorf("%w: %s", media.ErrForeignMedia, mediaRef)
		}
	}
	return s.appendAndPublish(ctx, SourceSession, roomKey, sender, text, mediaRef)
}

// Submit is the upload entry point: mediaRef has already been stored by the
// caller. Live sessions see the result exactly as if it was sent in-session.
func (s *Service) Submit(ctx context.Context, roomKey string, sender *models.User, mediaRef string) (*models.Message, error) {
	return s.appendAndPublish(ctx, SourceUpload, roomKey, sender, "", mediaRef)
}

func (s *Service) appendAndPublish(ctx context.Context, source, roomKey string, sender *models.User, text, mediaRef string) (*models.Message, error) {
	msg, err := s.store.Append(ctx, roomKey, sender.ID, text, mediaRef)
	if err != nil {
		return nil, err
	}
	metrics.MessagesPersisted.WithLabelValues(source).Inc()

	n := s.pub.Publish(msg.RoomKey, events.Delivered(msg))
	s.log.Debug("message_sent",
		zap.String("room", msg.RoomKey),
		zap.Int64("message_id", msg.ID),
		zap.String("source", source),
		zap.Int("recipients", n),
	)
	return msg, nil
}

// Delete tombstones a message on behalf of requesterID. The retraction is
// published only by the call that actually changed the message.
func (s *Service) Delete(ctx context.Context, messageID int64, requesterID int) (*models.Message, error) {
	before, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	msg, changed, err := s.store.SoftDelete(ctx, messageID, requesterID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return msg, nil
	}

	s.pub.Publish(msg.RoomKey, events.MessageRetracted{ID: msg.ID})
	if before.MediaURL != "" && s.media != nil {
		if err := s.media.Remove(before.MediaURL); err != nil {
			s.log.Warn("media_remove_failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		}
	}
	return msg, nil
}

// DeleteRoom removes a room with its history, closes the sessions still in it
// and removes the media its messages stored.
func (s *Service) DeleteRoom(ctx context.Context, room *models.Room) error {
	history, err := s.store.History(ctx, room.Key)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRoom(room.ID); err != nil {
		return err
	}

	closed := 0
	if rc, ok := s.pub.(RoomCloser); ok {
		closed = rc.CloseRoom(room.Key)
	}
	if s.media != nil {
		for _, m := range history {
			if m.MediaURL == "" {
				continue
			}
			if err := s.media.Remove(m.MediaURL); err != nil {
				s.log.Warn("media_remove_failed", zap.Int64("message_id", m.ID), zap.Error(err))
			}
		}
	}
	s.log.Info("room_deleted", zap.String("room", room.Key), zap.Int("sessions_closed", closed), zap.Int("messages", len(history)))
	return nil
}

func (s *Service) History(ctx context.Context, roomKey string) ([]models.Message, error) {
	return s.store.History(ctx, roomKey)
}
