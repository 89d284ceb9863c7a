/*
Package hub implements the per-session collaboration server: one authoritative
replica per session ID, a relay fanning change and presence messages out to
every other client, and idle-session cleanup.

The hub never originates commands. It applies every change blob to its own
replica so that late joiners receive the full document in the sync handshake.
*/
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/curveboard/curveboard/document"
	"github.com/curveboard/curveboard/session"
)

// DefaultSessionID is used when a client does not name a session.
const DefaultSessionID = "default"

// Config tunes the hub. The zero value is completed by Default.
type Config struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`
	// EmptyTimeout is how long a session with zero clients survives before
	// deletion.
	EmptyTimeout time.Duration `yaml:"empty_timeout"`
	// SweepInterval is how often the inactive-session scan runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// SweepIdleAfter is the idle age beyond which the scan removes a
	// zero-client session.
	SweepIdleAfter time.Duration `yaml:"sweep_idle_after"`
}

// Default fills unset config fields.
func (c Config) Default() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.EmptyTimeout == 0 {
		c.EmptyTimeout = 60 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 10 * time.Minute
	}
	if c.SweepIdleAfter == 0 {
		c.SweepIdleAfter = time.Hour
	}
	return c
}

// client is one connected websocket.
type client struct {
	conn     *websocket.Conn
	senderID string
	out      chan []byte
}

// Session is one session's authoritative replica plus its connected clients.
type Session struct {
	id string

	mu         sync.Mutex
	doc        *document.Replicated
	clients    map[*client]struct{}
	lastActive time.Time
}

// Hub serves any number of sessions.
type Hub struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	upgrader websocket.Upgrader
}

// New creates a hub.
func New(cfg Config, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		cfg:      cfg.Default(),
		log:      log,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			// Sessions are open to any connector; tokens are opaque.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// getOrCreate returns the session and whether it was just created. A fresh
// session gets a seeded empty document, so every joiner shares the same CRDT
// lineage.
func (h *Hub) getOrCreate(id string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[id]; ok {
		return s, false
	}
	s := &Session{
		id:         id,
		doc:        document.NewReplicated(h.log.Named("doc")),
		clients:    make(map[*client]struct{}),
		lastActive: time.Now(),
	}
	s.doc.Seed()
	h.sessions[id] = s
	h.log.Info("session created", zap.String("session", id))
	return s, true
}

// dropIfIdle removes a session that still has zero clients.
func (h *Hub) dropIfIdle(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return
	}
	s.mu.Lock()
	empty := len(s.clients) == 0
	s.mu.Unlock()
	if empty {
		delete(h.sessions, id)
		h.log.Info("session deleted", zap.String("session", id))
	}
}

// sweep removes sessions idle beyond the configured age with zero clients.
func (h *Hub) sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := time.Now().Add(-h.cfg.SweepIdleAfter)
	for id, s := range h.sessions {
		s.mu.Lock()
		stale := len(s.clients) == 0 && s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(h.sessions, id)
			h.log.Info("session swept", zap.String("session", id))
		}
	}
}

// ServeHTTP upgrades the connection and runs the client until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	h.serveClient(conn, sessionID)
}

func (h *Hub) serveClient(conn *websocket.Conn, sessionID string) {
	c := &client{conn: conn, out: make(chan []byte, 64)}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for data := range c.out {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()
	defer func() {
		close(c.out)
		<-writerDone
		conn.Close()
	}()

	var s *Session
	defer func() {
		if s == nil {
			return
		}
		s.mu.Lock()
		delete(s.clients, c)
		empty := len(s.clients) == 0
		s.mu.Unlock()
		if empty {
			// The session outlives its last client for a grace period.
			id := s.id
			time.AfterFunc(h.cfg.EmptyTimeout, func() { h.dropIfIdle(id) })
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg session.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Warn("discarding unparseable message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case session.TypeSyncRequest:
			sess, isFirst := h.getOrCreate(sessionID)
			s = sess
			c.senderID = msg.SenderID
			s.mu.Lock()
			s.clients[c] = struct{}{}
			s.lastActive = time.Now()
			state := s.doc.Save()
			s.mu.Unlock()
			reply, err := json.Marshal(session.Message{
				Type:          session.TypeSyncResponse,
				SessionID:     sessionID,
				DocumentState: state,
				IsFirstUser:   isFirst,
			})
			if err != nil {
				h.log.Error("encoding sync response", zap.Error(err))
				return
			}
			c.out <- reply
			h.log.Info("client joined",
				zap.String("session", sessionID),
				zap.String("sender", msg.SenderID),
				zap.Bool("first", isFirst))
		case session.TypeChange:
			if s == nil {
				continue // Change before handshake.
			}
			s.mu.Lock()
			if err := s.doc.ApplyRemoteChanges(msg.Changes); err != nil {
				s.mu.Unlock()
				continue
			}
			s.lastActive = time.Now()
			s.fanOut(c, data)
			s.mu.Unlock()
		case session.TypePresence:
			if s == nil {
				continue
			}
			s.mu.Lock()
			s.lastActive = time.Now()
			s.fanOut(c, data)
			s.mu.Unlock()
		default:
			h.log.Warn("discarding message of unknown type", zap.String("type", msg.Type))
		}
	}
}

// fanOut relays raw message bytes to every other client. Callers hold the
// session lock.
func (s *Session) fanOut(from *client, data []byte) {
	for c := range s.clients {
		if c == from {
			continue
		}
		select {
		case c.out <- data:
		default:
			// Slow client; skip rather than stall the session.
		}
	}
}

// Run serves websocket connections on the configured address until the
// context is canceled, sweeping inactive sessions in the background.
func (h *Hub) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	server := &http.Server{Addr: h.cfg.Addr, Handler: mux}

	go func() {
		ticker := time.NewTicker(h.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	h.log.Info("hub listening", zap.String("addr", h.cfg.Addr))
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
