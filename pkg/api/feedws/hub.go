// Package feedws pushes admitted filings to WebSocket subscribers on
// /feed/stream. Clients only listen; each gets a bounded send buffer
// and is evicted when it stops draining, so one stalled consumer never
// backs up the feed.
package feedws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/feedspine"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/metrics"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer is per client; a client this far behind is evicted.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans filing frames out to connected clients. Run owns the client
// set; Handler and Broadcast communicate with it over channels.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	metrics *metrics.Collector
	log     *zap.Logger

	stopped sync.Once
	done    chan struct{}
}

func NewHub(m *metrics.Collector) *Hub {
	if m == nil {
		m = metrics.Nop()
	}
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		metrics:    m,
		log:        logging.Component("feedws"),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until the context ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*client]bool)
	defer func() {
		for c := range clients {
			close(c.send)
		}
		h.stopped.Do(func() { close(h.done) })
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			clients[c] = true
			h.metrics.WSSubscribers.Inc()
		case c := <-h.unregister:
			if clients[c] {
				delete(clients, c)
				close(c.send)
				h.metrics.WSSubscribers.Dec()
			}
		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					// Stalled client: drop it rather than the feed.
					delete(clients, c)
					close(c.send)
					h.metrics.WSSubscribers.Dec()
				}
			}
		}
	}
}

// Frame builds the push frame for one admission.
func Frame(res feedspine.AdmitResult, rec *feedspine.Record, feed string) models.FeedFrame {
	return models.FeedFrame{
		Kind:        "filing",
		Result:      string(res),
		Accession:   rec.Accession,
		CIK:         rec.CIK,
		CompanyName: rec.CompanyName,
		FormType:    rec.FormType,
		PublishedAt: rec.PublishedAt,
		Feed:        feed,
	}
}

// Broadcast queues one frame for every connected client. It never
// blocks the caller: when the hub is saturated or stopped the frame is
// dropped, since the stream is a live feed, not a durable log.
func (h *Hub) Broadcast(frame models.FeedFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("frame marshal failed", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.log.Warn("broadcast buffer full, frame dropped",
			zap.String("accession", frame.Accession))
	}
}

// Handler upgrades GET /feed/stream connections and pumps frames.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			h.log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

		select {
		case h.register <- c:
		case <-h.done:
			_ = conn.Close()
			return
		}

		go c.writePump()
		go c.readPump(h)
	}
}

// writePump drains the send buffer onto the socket and keeps the
// connection alive with pings. It exits when the hub closes the send
// channel or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages; it exists to notice closes and
// answer pongs.
func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
