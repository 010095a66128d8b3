package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"attendsync/internal/protocol"
	"attendsync/internal/register"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	readLimit  = 1 << 20
	sendBuffer = 256
)

// Conn is one client connection. Reads run on readPump, writes on writePump.
type Conn struct {
	id      string
	hub     *Hub
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	logger  zerolog.Logger

	// user is only touched while hub.mu is held.
	user    register.UserInfo
	hasUser bool

	mu     sync.Mutex
	closed bool
}

func newConn(h *Hub, ws *websocket.Conn) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:      id,
		hub:     h,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), h.opts.Burst),
		logger:  h.logger.With().Str("conn_id", id).Str("remote", ws.RemoteAddr().String()).Logger(),
	}
}

// enqueue queues a frame. A connection whose buffer is full is dropped so
// one slow reader cannot stall the hub.
func (c *Conn) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn().Msg("send buffer full, dropping client")
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) reply(env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode reply")
		return
	}
	c.enqueue(data)
}

func (c *Conn) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.reply(protocol.Error(CodeRateLimited, "too many messages", ""))
			continue
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("malformed envelope")
			c.reply(protocol.Error(CodeBadRequest, err.Error(), ""))
			continue
		}
		c.hub.handle(c, env)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
