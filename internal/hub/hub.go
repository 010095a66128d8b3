// Package hub is the authoritative server end of the duplex channel. It
// validates edits and lock changes, stages them, and fans confirmed results
// out to every connection in commit order.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"attendsync/internal/metrics"
	"attendsync/internal/protocol"
	"attendsync/internal/register"
)

// Repository is the durable register the hub reads and flushes into.
type Repository interface {
	EmployeesInGroup(ctx context.Context, group string) ([]register.Employee, error)
	Employee(ctx context.Context, id string) (register.Employee, error)
	AttendanceForMonth(ctx context.Context, employeeIDs []string, month string) (map[string]map[string]register.DayEntry, error)
	ApplyPatches(ctx context.Context, patches []register.Patch) (int, error)
	SetLock(ctx context.Context, st register.LockState) error
	LocksForMonth(ctx context.Context, groups []string, month string) ([]register.LockState, error)
	LockStatus(ctx context.Context, groups []string, date string) (register.LockStatus, error)
	MetricsForMonth(ctx context.Context, punchCodes []string, month string) ([]register.MetricsRecord, error)
}

// Stager holds accepted edits until an explicit save.
type Stager interface {
	Stage(ctx context.Context, p register.Patch) error
	Month(ctx context.Context, month string) ([]register.Patch, error)
	All(ctx context.Context) ([]register.Patch, []string, error)
	Clear(ctx context.Context, months []string) error
}

// Options tunes connection handling.
type Options struct {
	AllowedOrigins    []string
	MessagesPerSecond float64
	Burst             int
}

// Hub owns every open connection.
type Hub struct {
	repo   Repository
	staged Stager
	opts   Options
	logger zerolog.Logger

	upgrader websocket.Upgrader

	// mu serializes request handling so broadcasts leave in commit order.
	mu sync.Mutex

	connsMu sync.RWMutex
	conns   map[*Conn]struct{}

	now func() time.Time
}

// New creates a hub over a repository and a staging area.
func New(repo Repository, staged Stager, opts Options, logger *zerolog.Logger) *Hub {
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	h := &Hub{
		repo:   repo,
		staged: staged,
		opts:   opts,
		logger: logger.With().Str("component", "hub").Logger(),
		conns:  make(map[*Conn]struct{}),
		now:    time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}
	c := newConn(h, ws)
	h.add(c)
	go c.writePump()
	c.readPump()
}

func (h *Hub) add(c *Conn) {
	h.connsMu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.connsMu.Unlock()
	metrics.IncConnected()
	c.logger.Info().Int("clients", n).Msg("client connected")
}

func (h *Hub) remove(c *Conn) {
	h.connsMu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.connsMu.Unlock()
	if ok {
		metrics.DecConnected()
		c.logger.Info().Int("clients", n).Msg("client disconnected")
	}
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	return len(h.conns)
}

// broadcast queues env on every connection, the sender included.
func (h *Hub) broadcast(env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode broadcast")
		return
	}
	h.connsMu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.connsMu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
	metrics.IncBroadcast(string(env.Kind()))
}

// Close drops every connection.
func (h *Hub) Close() {
	h.connsMu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.connsMu.RUnlock()
	for _, c := range targets {
		c.close()
	}
}
