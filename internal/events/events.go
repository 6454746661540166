// Package events defines what the dispatcher fans out to room members and
// how each event looks on the wire.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pliu/chatrooms/internal/models"
)

// Event is one of MessageDelivered or MessageRetracted.
type Event interface {
	isEvent()
}

type MessageDelivered struct {
	ID        int64
	Sender    string
	Content   string
	MediaURL  string
	CreatedAt time.Time
}

type MessageRetracted struct {
	ID int64
}

func (MessageDelivered) isEvent() {}
func (MessageRetracted) isEvent() {}

// Delivered builds the delivery event for a persisted message.
func Delivered(m *models.Message) MessageDelivered {
	return MessageDelivered{
		ID:        m.ID,
		Sender:    m.Username,
		Content:   m.Content,
		MediaURL:  m.MediaURL,
		CreatedAt: m.CreatedAt,
	}
}

// Kind names an event for logs and metrics.
func Kind(e Event) string {
	switch e.(type) {
	case MessageDelivered:
		return "message_delivered"
	case MessageRetracted:
		return "message_retracted"
	default:
		return "unknown"
	}
}

type deliveredFrame struct {
	Message   string `json:"message"`
	MediaURL  string `json:"media_url"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
	MessageID *int64 `json:"message_id"`
}

type retractedFrame struct {
	Action    string `json:"action"`
	MessageID int64  `json:"message_id"`
}

// ErrorFrame is sent to a single session when one of its frames could not be
// processed.
type ErrorFrame struct {
	Error string `json:"error"`
}

// Encode renders e as an outbound frame. Timestamps are rendered relative to
// now in now's location.
func Encode(e Event, now time.Time) ([]byte, error) {
	switch ev := e.(type) {
	case MessageDelivered:
		var id *int64
		if ev.ID != 0 {
			id = &ev.ID
		}
		return json.Marshal(deliveredFrame{
			Message:   ev.Content,
			MediaURL:  ev.MediaURL,
			Sender:    ev.Sender,
			Timestamp: FormatTimestamp(ev.CreatedAt, now),
			MessageID: id,
		})
	case MessageRetracted:
		return json.Marshal(retractedFrame{Action: "delete_message", MessageID: ev.ID})
	default:
		return nil, fmt.Errorf("unknown event %T", e)
	}
}
