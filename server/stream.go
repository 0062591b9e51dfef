package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	assetexchange "github.com/kaifufi/asset-exchange-go"
	"github.com/kaifufi/asset-exchange-go/settlement"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	// stream clients heartbeat every 30s
	readWait = 2 * assetexchange.HeartbeatInterval
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte

	mu          sync.RWMutex
	collections map[common.Address]struct{}
}

func (c *streamClient) wants(collection common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.collections) == 0 {
		return true
	}
	_, ok := c.collections[collection]
	return ok
}

// Hub fans committed receipts out to websocket clients. It implements
// settlement.Emitter.
type Hub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
}

// NewHub returns a hub with no clients.
func NewHub() *Hub {
	return &Hub{clients: make(map[*streamClient]struct{})}
}

// Emit queues r for every interested client. Slow clients are dropped
// instead of blocking the settlement.
func (h *Hub) Emit(r *settlement.Receipt) {
	data, err := json.Marshal(assetexchange.ReceiptMessage{Channel: assetexchange.ChannelReceipt, Receipt: r})
	if err != nil {
		log.Error("json.Marshal(receipt)", "id", r.ID, "err", err)
		return
	}

	h.mu.RLock()
	var slow []*streamClient
	for c := range h.clients {
		if !c.wants(r.Collection) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Warn("dropping slow stream client", "remote", c.conn.RemoteAddr().String())
		h.remove(c)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams receipts until the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("failed to upgrade connection", "err", err)
		return
	}
	c := &streamClient{
		conn:        conn,
		send:        make(chan []byte, streamBuffer),
		collections: make(map[common.Address]struct{}),
	}
	h.add(c)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) readLoop(c *streamClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	for {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg assetexchange.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("bad stream message", "err", err)
			continue
		}
		switch msg.Action {
		case assetexchange.ActionSubscribe, assetexchange.ActionUnsubscribe:
			if !common.IsHexAddress(msg.Collection) {
				continue
			}
			collection := common.HexToAddress(msg.Collection)
			c.mu.Lock()
			if msg.Action == assetexchange.ActionSubscribe {
				c.collections[collection] = struct{}{}
			} else {
				delete(c.collections, collection)
			}
			c.mu.Unlock()
		case assetexchange.ActionHeartbeat:
		}
	}
}

func (h *Hub) writeLoop(c *streamClient) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			c.conn.Close()
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}
