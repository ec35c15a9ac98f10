package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stormline/weather-trader/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 4 * 1024
	wsSendBuffer = 64
)

// wsMessage is the wire envelope in both directions. Clients send
// subscribe/unsubscribe/ping; the server pushes broadcast events with the
// event type in Type.
type wsMessage struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	channels map[string]bool
}

func (c *wsClient) wants(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[events.ChannelAll] || c.channels[channel]
}

func (c *wsClient) setChannel(channel string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.channels[channel] = true
	} else {
		delete(c.channels, channel)
	}
}

// hub fans broadcaster events out to WebSocket clients. Clients receive
// nothing until they subscribe to at least one channel.
type hub struct {
	logger   *zap.Logger
	events   *events.Broadcaster
	upgrader websocket.Upgrader
	maxConns int

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	stopped bool

	sub *events.Subscription
}

func newHub(logger *zap.Logger, bus *events.Broadcaster, maxConns int) *hub {
	return &hub{
		logger:   logger.Named("ws"),
		events:   bus,
		maxConns: maxConns,
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *hub) start() {
	h.sub = h.events.Subscribe()
	go h.forward()
}

func (h *hub) stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.sub.Close()
	for _, c := range clients {
		c.conn.Close()
	}
}

// forward pushes every broadcast event to the clients subscribed to its
// channel. Runs until the broadcaster subscription closes.
func (h *hub) forward() {
	for ev := range h.sub.C() {
		payload, err := json.Marshal(wsMessage{
			Type:      ev.Type,
			Channel:   ev.Channel,
			Data:      ev.Data,
			Timestamp: ev.Timestamp.UnixMilli(),
		})
		if err != nil {
			h.logger.Warn("event marshal failed", zap.String("type", ev.Type), zap.Error(err))
			continue
		}

		h.mu.RLock()
		for c := range h.clients {
			if !c.wants(ev.Channel) {
				continue
			}
			select {
			case c.send <- payload:
			default:
				h.logger.Debug("client buffer full, dropping event",
					zap.String("client_id", c.id),
					zap.String("type", ev.Type))
			}
		}
		h.mu.RUnlock()
	}
}

func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	full := h.maxConns > 0 && len(h.clients) >= h.maxConns
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:       uuid.New().String(),
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
		channels: make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		zap.String("client_id", client.id),
		zap.Int("total", total))

	// The hello is queued before the pumps start, so it is the first
	// frame a client reads; once read, the client is registered and
	// subsequent broadcasts will reach it.
	h.reply(client, wsMessage{Type: "connected", Data: map[string]string{"client_id": client.id}})

	go h.writePump(client)
	go h.readPump(client)
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if ok {
		h.logger.Info("websocket client disconnected", zap.String("client_id", c.id))
	}
}

func (h *hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.reply(c, wsMessage{Type: "error", Data: "invalid message"})
			continue
		}
		h.handleMessage(c, msg)
	}
}

func (h *hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *hub) handleMessage(c *wsClient, msg wsMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.Channel == "" {
			h.reply(c, wsMessage{Type: "error", Data: "channel is required"})
			return
		}
		c.setChannel(msg.Channel, true)
		h.reply(c, wsMessage{Type: "subscribed", Channel: msg.Channel})

	case "unsubscribe":
		c.setChannel(msg.Channel, false)
		h.reply(c, wsMessage{Type: "unsubscribed", Channel: msg.Channel})

	case "ping":
		h.reply(c, wsMessage{Type: "pong"})

	default:
		h.reply(c, wsMessage{Type: "error", Data: "unknown message type"})
	}
}

func (h *hub) reply(c *wsClient, msg wsMessage) {
	msg.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}
