package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket timeout constants following Gorilla best practices
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Listeners are local tooling (dashboards, tmux panes); any origin
	// that can reach the listen address may attach.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Broadcaster fans pipeline events out to attached WebSocket clients.
// It is publish-only: incoming frames from clients are read and
// discarded, the read loop existing to notice disconnects and answer
// pings.
type Broadcaster struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan Event
	closeOnce sync.Once
}

func NewBroadcaster(ctx context.Context, logger *zap.SugaredLogger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Broadcaster{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Publish sends the event to every attached client. A client whose send
// buffer is full is dropped; a stalled listener must not stall the
// pipeline.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- ev:
		default:
			b.logger.Warnw("dropping slow event listener")
			delete(b.clients, c)
			c.close()
		}
	}
}

// ClientCount reports the number of attached listeners.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ServeHTTP upgrades the request and attaches the peer as a listener.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan Event, 32)}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	b.logger.Debugw("event listener attached", "remote", conn.RemoteAddr().String())

	go b.writePump(c)
	go b.readPump(c)
}

// Close detaches every client and stops the pumps.
func (b *Broadcaster) Close() {
	b.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
}

func (b *Broadcaster) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-b.ctx.Done():
			return
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				b.logger.Debugw("event write failed, detaching listener", "error", err)
				b.detach(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.detach(c)
				return
			}
		}
	}
}

func (b *Broadcaster) readPump(c *wsClient) {
	defer func() {
		b.detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				b.logger.Debugw("event listener read error", "error", err)
			}
			return
		}
	}
}

func (b *Broadcaster) detach(c *wsClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.send) })
}
