package render

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nvr-ai/dronewatch/common"
	"go.uber.org/zap"
)

// Message types sent to overlay clients.
const (
	MessageDetections = "detections"
	MessageClear      = "clear"
)

// ClientSendBufferSize is the number of messages queued per client before
// the oldest is dropped. Every message replaces the previous overlay, so a
// slow client only ever needs the newest.
const ClientSendBufferSize = 4

const writeWait = 5 * time.Second

// Message is the JSON frame pushed to overlay clients.
type Message struct {
	Type string               `json:"type"`
	Feed string               `json:"feed"`
	Set  common.DetectionSet `json:"set"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Broadcaster pushes detection sets to websocket clients. New clients first
// receive the latest message.
type Broadcaster struct {
	feed     string
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	latest  []byte
	closed  bool
}

// NewBroadcaster creates a broadcaster for one feed.
//
// Arguments:
//   - feed: The feed id stamped on every message.
//   - logger: The logger, may be nil.
//
// Returns:
//   - *Broadcaster: The broadcaster.
func NewBroadcaster(feed string, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		feed: feed,
		log:  logger.Named("overlay").With(zap.String("feed", feed)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*client]struct{}),
	}
}

// Render pushes set to every client.
func (b *Broadcaster) Render(set common.DetectionSet) {
	b.publish(Message{Type: MessageDetections, Feed: b.feed, Set: set})
}

// Clear pushes an empty set to every client.
func (b *Broadcaster) Clear() {
	b.publish(Message{
		Type: MessageClear,
		Feed: b.feed,
		Set:  common.DetectionSet{Detections: []common.Detection{}},
	})
}

func (b *Broadcaster) publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("marshal overlay message", zap.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest = data
	for c := range b.clients {
		enqueue(c, data)
	}
}

// enqueue adds data to the client queue, dropping the oldest message when
// the queue is full.
func enqueue(c *client, data []byte) {
	for {
		select {
		case c.send <- data:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ServeHTTP upgrades the request to a websocket and streams overlay messages
// until the client disconnects or the broadcaster is closed.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied.
		b.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, ClientSendBufferSize)}
	if !b.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	b.log.Debug("overlay client connected", zap.String("remote", r.RemoteAddr))

	go b.writer(c)
	b.reader(c)
}

func (b *Broadcaster) register(c *client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if b.latest != nil {
		c.send <- b.latest
	}
	b.clients[c] = struct{}{}
	return true
}

func (b *Broadcaster) unregister(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
}

// reader drains the client until the connection fails. Clients never send
// anything meaningful.
func (b *Broadcaster) reader(c *client) {
	defer b.unregister(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			b.log.Debug("overlay client disconnected", zap.Error(err))
			return
		}
	}
}

// writer runs on its own goroutine so a slow client never blocks publish.
func (b *Broadcaster) writer(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.log.Debug("overlay write failed", zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Close disconnects every client and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}
