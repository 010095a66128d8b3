// Package client is the browser-side synchronization core expressed as a Go
// library: one websocket transport, a single-threaded dispatcher, and the
// store, lock and edit components it drives.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"attendsync/internal/protocol"
	"attendsync/internal/register"
)

const (
	writeWait = 10 * time.Second
	readLimit = 8 << 20
	pongWait  = 60 * time.Second
)

// Transport owns one duplex connection. It never reconnects on its own.
type Transport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	err     error
}

// NewTransport creates a transport for the hub websocket URL.
func NewTransport(url string, header http.Header, logger zerolog.Logger) *Transport {
	return &Transport{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.With().Str("component", "transport").Logger(),
	}
}

// Open dials the hub and starts delivering decoded envelopes to deliver.
// deliver is called from the read goroutine, in arrival order.
func (t *Transport) Open(ctx context.Context, deliver func(protocol.Envelope)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	t.conn = conn
	t.done = make(chan struct{})
	t.err = nil
	go t.readLoop(conn, t.done, deliver)
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}, deliver func(protocol.Envelope)) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
				t.err = err
			}
			t.mu.Unlock()
			_ = conn.Close()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn().Err(err).Msg("channel closed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := protocol.Decode(data)
		if err != nil {
			t.logger.Error().Err(err).Msg("dropping malformed frame")
			continue
		}
		deliver(env)
	}
}

// Send writes an envelope. It is a logged no-op returning ErrChannelNotOpen
// when the connection is not open.
func (t *Transport) Send(env protocol.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.logger.Error().Str("action", string(env.Kind())).Msg("send on closed channel")
		return register.ErrChannelNotOpen
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Kind(), err)
	}
	return nil
}

// IsOpen reports whether the connection is up.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Done is closed when the current connection's read loop exits.
func (t *Transport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.done
}

// Err returns the error that ended the last connection.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close tears the connection down with a normal closure.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return conn.Close()
}
