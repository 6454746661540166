// Package ws keeps track of which websocket sessions are in which room and
// fans room events out to them.
package ws

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/chatrooms/internal/events"
	"github.com/pliu/chatrooms/internal/metrics"
)

var (
	ErrHubClosed      = errors.New("hub is shut down")
	ErrSessionGone    = errors.New("session is closed")
	ErrSendBufferFull = errors.New("session send buffer full")
)

// Handle is the hub's view of a live session.
type Handle interface {
	// Deliver queues an encoded frame without blocking.
	Deliver(payload []byte) error
}

type closer interface {
	Close()
}

const publishStripes = 64

// Hub is the room membership registry and the broadcast dispatcher. The zero
// value is not usable; construct it with NewHub.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[Handle]struct{}
	closed bool

	// publishLocks give each room key a single publisher at a time so that
	// every member sees that room's events in publish order.
	publishLocks [publishStripes]sync.Mutex

	log *zap.Logger
	now func() time.Time
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms: make(map[string]map[Handle]struct{}),
		log:   log,
		now:   time.Now,
	}
}

// Join registers h as a member of the room. Joining twice is a no-op.
func (hub *Hub) Join(roomKey string, h Handle) error {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.closed {
		return ErrHubClosed
	}
	members, ok := hub.rooms[roomKey]
	if !ok {
		members = make(map[Handle]struct{})
		hub.rooms[roomKey] = members
	}
	members[h] = struct{}{}
	hub.log.Debug("session_joined", zap.String("room", roomKey), zap.Int("members", len(members)))
	return nil
}

// Leave removes h from the room and reports whether it was a member. Rooms
// without members are dropped.
func (hub *Hub) Leave(roomKey string, h Handle) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	members, ok := hub.rooms[roomKey]
	if !ok {
		return false
	}
	if _, ok := members[h]; !ok {
		return false
	}
	delete(members, h)
	if len(members) == 0 {
		delete(hub.rooms, roomKey)
	}
	hub.log.Debug("session_left", zap.String("room", roomKey), zap.Int("members", len(members)))
	return true
}

// Members returns a snapshot of the sessions currently in the room.
func (hub *Hub) Members(roomKey string) []Handle {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	members := hub.rooms[roomKey]
	out := make([]Handle, 0, len(members))
	for h := range members {
		out = append(out, h)
	}
	return out
}

// Rooms returns the number of rooms with at least one member.
func (hub *Hub) Rooms() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.rooms)
}

// Publish encodes e once and delivers it to every member of the room,
// including the session the event originated from. A failing member is
// logged and skipped. It returns the number of successful deliveries.
func (hub *Hub) Publish(roomKey string, e events.Event) int {
	lock := hub.publishLock(roomKey)
	lock.Lock()
	defer lock.Unlock()

	kind := events.Kind(e)
	payload, err := events.Encode(e, hub.now())
	if err != nil {
		hub.log.Error("event_encode_failed", zap.String("room", roomKey), zap.String("kind", kind), zap.Error(err))
		return 0
	}
	metrics.EventsPublished.WithLabelValues(kind).Inc()

	delivered := 0
	for _, h := range hub.Members(roomKey) {
		if err := h.Deliver(payload); err != nil {
			metrics.DeliveryFailures.Inc()
			hub.log.Warn("broadcast_delivery_failed",
				zap.String("room", roomKey),
				zap.String("kind", kind),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

func (hub *Hub) publishLock(roomKey string) *sync.Mutex {
	f := fnv.New32a()
	f.Write([]byte(roomKey))
	return &hub.publishLocks[f.Sum32()%publishStripes]
}

// CloseRoom drops the room from the registry and closes its sessions. It
// returns how many sessions were closed.
func (hub *Hub) CloseRoom(roomKey string) int {
	hub.mu.Lock()
	var sessions []closer
	for h := range hub.rooms[roomKey] {
		if c, ok := h.(closer); ok {
			sessions = append(sessions, c)
		}
	}
	delete(hub.rooms, roomKey)
	hub.mu.Unlock()

	for _, c := range sessions {
		c.Close()
	}
	hub.log.Info("room_closed", zap.String("room", roomKey), zap.Int("sessions", len(sessions)))
	return len(sessions)
}

// Shutdown refuses further joins and closes every registered session that
// can be closed. Sessions leave the hub on their own as they wind down.
func (hub *Hub) Shutdown() int {
	hub.mu.Lock()
	hub.closed = true
	var sessions []closer
	for _, members := range hub.rooms {
		for h := range members {
			if c, ok := h.(closer); ok {
				sessions = append(sessions, c)
			}
		}
	}
	hub.mu.Unlock()

	for _, c := range sessions {
		c.Close()
	}
	hub.log.Info("hub_shutdown", zap.Int("sessions", len(sessions)))
	return len(sessions)
}
