package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Reconnect schedule: 1 s doubling to a 30 s cap, retried forever.
const (
	reconnectInitial = 1 * time.Second
	reconnectMax     = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// Client maintains one websocket connection to a session hub, re-dialing with
// exponential backoff after any failure. There is no timeout on the sync
// handshake: if the hub never answers, the client stays connected and idle.
type Client struct {
	url      string
	senderID string
	log      *zap.Logger

	// OnSyncResponse delivers the authoritative document state. The receiver
	// must load it before acting on anything else.
	OnSyncResponse func(state []byte, isFirstUser bool)
	// OnChange delivers a peer's change blob.
	OnChange func(changes []byte)
	// OnPresence delivers a peer's presence payload.
	OnPresence func(p Presence)
	// OnConnectionChange reports transitions between connected and
	// disconnected.
	OnConnectionChange func(connected bool)

	connected atomic.Bool

	mu   sync.Mutex
	out  chan Message
	stop context.CancelFunc
	done chan struct{}
}

// NewClient creates a client for the given hub URL, identifying itself with
// the given sender ID.
func NewClient(url, senderID string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		url:      url,
		senderID: senderID,
		log:      log,
		out:      make(chan Message, 64),
	}
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Start launches the connection loop. It returns immediately; connection
// state is reported through OnConnectionChange.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.stop = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()
	go c.run(ctx)
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	if done != nil {
		<-done
	}
}

// SendChange broadcasts a change blob. Messages are queued for the writer of
// the current connection; while disconnected they wait in the queue for the
// next connection, and are dropped once the queue is full. The CRDT's delta
// mechanism covers any gap on reconnect.
func (c *Client) SendChange(changes []byte) {
	if len(changes) == 0 {
		return
	}
	c.send(Message{Type: TypeChange, SenderID: c.senderID, Changes: changes})
}

// SendPresence broadcasts an ephemeral presence payload.
func (c *Client) SendPresence(p Presence) {
	c.send(Message{Type: TypePresence, SenderID: c.senderID, Presence: &p})
}

func (c *Client) send(msg Message) {
	select {
	case c.out <- msg:
	default:
		c.log.Warn("dropping outgoing message: send queue full", zap.String("type", msg.Type))
	}
}

// run dials in a loop, handing each live connection to serve.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectInitial
	policy.MaxInterval = reconnectMax
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := policy.NextBackOff()
			c.log.Info("hub connection failed; will retry",
				zap.String("url", c.url), zap.Duration("backoff", wait), zap.Error(err))
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}
		policy.Reset()
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
	}
}

// serve runs the reader and writer for one established connection. A
// reconnect re-issues the sync handshake; the hub treats it as any other
// join.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.connected.Store(true)
	if c.OnConnectionChange != nil {
		c.OnConnectionChange(true)
	}
	defer func() {
		conn.Close()
		c.connected.Store(false)
		if c.OnConnectionChange != nil {
			c.OnConnectionChange(false)
		}
	}()

	writerDone := make(chan struct{})
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// Unblock the reader when the connection is abandoned.
		<-connCtx.Done()
		conn.Close()
	}()
	go func() {
		defer close(writerDone)
		for {
			select {
			case msg := <-c.out:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					c.log.Warn("writing to hub", zap.Error(err))
					cancel()
					return
				}
			case <-connCtx.Done():
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}()

	// The handshake always opens the conversation.
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(Message{Type: TypeSyncRequest, SenderID: c.senderID}); err != nil {
		c.log.Warn("sending sync request", zap.Error(err))
		cancel()
		<-writerDone
		return
	}

	for {
		if connCtx.Err() != nil {
			break
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Info("hub connection lost", zap.Error(err))
			}
			break
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("discarding unparseable message", zap.Error(err))
			continue
		}
		c.dispatch(msg)
	}
	cancel()
	<-writerDone
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case TypeSyncResponse:
		if c.OnSyncResponse != nil {
			c.OnSyncResponse(msg.DocumentState, msg.IsFirstUser)
		}
	case TypeChange:
		if msg.SenderID == c.senderID {
			return // Our own change, echoed.
		}
		if c.OnChange != nil {
			c.OnChange(msg.Changes)
		}
	case TypePresence:
		if msg.SenderID == c.senderID {
			return
		}
		if c.OnPresence != nil && msg.Presence != nil {
			c.OnPresence(*msg.Presence)
		}
	default:
		c.log.Warn("discarding message of unknown type", zap.String("type", msg.Type))
	}
}
