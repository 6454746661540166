package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pliu/chatrooms/internal/events"
	"github.com/pliu/chatrooms/internal/media"
	"github.com/pliu/chatrooms/internal/metrics"
	"github.com/pliu/chatrooms/internal/models"
	"github.com/pliu/chatrooms/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Sender persists a message and publishes it to the room.
type Sender interface {
	Send(ctx context.Context, roomKey string, sender *models.User, text, mediaRef string) (*models.Message, error)
}

type State int

const (
	Connecting State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type SessionConfig struct {
	MaxFrameBytes int64
	SendBuffer    int
	RateLimit     rate.Limit
	RateBurst     int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxFrameBytes: 16 << 20,
		SendBuffer:    256,
		RateLimit:     5,
		RateBurst:     10,
	}
}

// inboundFrame is what clients send over the socket.
type inboundFrame struct {
	Message  string `json:"message"`
	MediaURL string `json:"media_url"`
}

// Client is one websocket session bound to one user and one room.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	sender  Sender
	user    *models.User
	roomKey string
	limiter *rate.Limiter
	log     *zap.Logger

	mu    sync.Mutex
	state State
	send  chan []byte

	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, sender Sender, user *models.User, roomKey string, cfg SessionConfig, log *zap.Logger) *Client {
	if conn != nil && cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(cfg.MaxFrameBytes)
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	fields := []zap.Field{zap.String("room", roomKey)}
	if user != nil {
		fields = append(fields, zap.String("user", user.Username))
	}
	return &Client{
		hub:     hub,
		conn:    conn,
		sender:  sender,
		user:    user,
		roomKey: roomKey,
		limiter: limiter,
		log:     log.With(fields...),
		state:   Connecting,
		send:    make(chan []byte, cfg.SendBuffer),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// start moves the session out of Connecting. Without an identity the
// session closes straight away and the hub is never touched.
func (c *Client) start() error {
	if c.user == nil {
		c.closeWith(websocket.ClosePolicyViolation, "unauthenticated")
		return store.ErrUnauthenticated
	}

	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		return ErrSessionGone
	}
	if err := c.hub.Join(c.roomKey, c); err != nil {
		c.mu.Unlock()
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return err
	}
	c.state = Active
	c.mu.Unlock()

	metrics.ActiveSessions.Inc()
	c.log.Info("session_started")
	return nil
}

// Deliver implements Handle. A session that cannot keep up is disconnected.
func (c *Client) Deliver(payload []byte) error {
	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return ErrSessionGone
	}
	select {
	case c.send <- payload:
		c.mu.Unlock()
		return nil
	default:
	}
	c.mu.Unlock()

	c.log.Warn("session_lagging")
	go c.Close()
	return ErrSendBufferFull
}

// reply queues a frame for this session only.
func (c *Client) reply(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Error("reply_encode_failed", zap.Error(err))
		return
	}
	if err := c.Deliver(payload); err != nil {
		c.log.Debug("reply_dropped", zap.Error(err))
	}
}

// Close ends the session. It is safe to call any number of times from any
// goroutine; only the first call has an effect.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasActive := c.state == Active
		c.state = Closed
		close(c.send)
		c.mu.Unlock()

		if wasActive {
			c.hub.Leave(c.roomKey, c)
			metrics.ActiveSessions.Dec()
			c.log.Info("session_closed")
		}
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				c.log.Debug("conn_close_failed", zap.Error(err))
			}
		}
	})
}

func (c *Client) closeWith(code int, reason string) {
	if c.conn != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	c.Close()
}

// handleFrame processes one inbound frame. Empty frames are dropped silently.
// Errors are reported to this session only and never end it.
func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		metrics.FramesDropped.WithLabelValues("invalid").Inc()
		c.log.Debug("invalid_frame", zap.Error(err))
		c.reply(events.ErrorFrame{Error: "invalid frame"})
		return
	}
	text := strings.TrimSpace(frame.Message)
	mediaRef := strings.TrimSpace(frame.MediaURL)
	if text == "" && mediaRef == "" {
		metrics.FramesDropped.WithLabelValues("empty").Inc()
		return
	}

	if c.limiter != nil && !c.limiter.Allow() {
		metrics.FramesDropped.WithLabelValues("rate_limited").Inc()
		c.log.Warn("rate_limit_exceeded")
		c.reply(events.ErrorFrame{Error: "rate limit exceeded"})
		return
	}

	if _, err := c.sender.Send(ctx, c.roomKey, c.user, text, mediaRef); err != nil {
		metrics.FramesDropped.WithLabelValues("send_failed").Inc()
		c.log.Warn("send_failed", zap.Error(err))
		c.reply(events.ErrorFrame{Error: frameError(err)})
	}
}

func frameError(err error) string {
	switch {
	case errors.Is(err, store.ErrRoomNotFound), errors.Is(err, store.ErrNotFound):
		return "room not found"
	case errors.Is(err, store.ErrEmptyMessage):
		return "empty message"
	case errors.Is(err, media.ErrInvalidDataURI), errors.Is(err, media.ErrForeignMedia):
		return "invalid media"
	case errors.Is(err, media.ErrUnsupportedMedia):
		return "unsupported media type"
	case errors.Is(err, media.ErrMediaTooLarge):
		return "media too large"
	default:
		return "message could not be delivered"
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.handleFrame(ctx, raw)
	}
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("frame_too_large", zap.Error(err))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived),
		errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.Debug("session_disconnected", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		c.log.Warn("unexpected_close", zap.Error(err))
	default:
		c.log.Debug("read_failed", zap.Error(err))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Debug("write_failed", zap.Error(err))
				}
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe")
}
