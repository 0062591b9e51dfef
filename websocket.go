package assetexchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/kaifufi/asset-exchange-go/settlement"
)

const (
	// Heartbeat interval
	HeartbeatInterval = 30 * time.Second

	// Reconnect settings
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// WebSocket action types
const (
	ActionHeartbeat   = "HEARTBEAT"
	ActionSubscribe   = "SUBSCRIBE"
	ActionUnsubscribe = "UNSUBSCRIBE"
)

// ChannelReceipt carries every committed settlement
const ChannelReceipt = "settlement.receipt"

// WSMessage is sent by stream clients. A SUBSCRIBE with a Collection limits
// the stream to that collection; without one every receipt is delivered.
type WSMessage struct {
	Action     string `json:"action"`
	Collection string `json:"collection,omitempty"`
}

// ReceiptMessage is pushed for each settlement
type ReceiptMessage struct {
	Channel string              `json:"channel"`
	Receipt *settlement.Receipt `json:"receipt"`
}

// WSErrorHandler is a callback function for handling WebSocket errors
type WSErrorHandler func(err error)

// WSConfig holds configuration for the receipt stream client
type WSConfig struct {
	Endpoint             string
	Token                string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	OnReceipt            func(r *settlement.Receipt)
	OnError              WSErrorHandler
	OnConnect            func()
	OnDisconnect         func()
}

// WSClient streams settlement receipts from an exchange node. After a
// dropped connection it redials and replays its subscriptions.
type WSClient struct {
	config WSConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex

	subMu       sync.RWMutex
	collections map[common.Address]struct{}
}

// NewWSClient creates a new receipt stream client
func NewWSClient(config WSConfig) *WSClient {
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = DefaultReconnectInterval
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	return &WSClient{
		config:      config,
		collections: make(map[common.Address]struct{}),
	}
}

// Connect dials the node and starts streaming. ctx bounds the dial only;
// the stream runs until Disconnect.
func (ws *WSClient) Connect(ctx context.Context) error {
	conn, err := ws.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	if ws.cancel != nil {
		ws.mu.Unlock()
		cancel()
		conn.Close()
		return nil
	}
	ws.conn, ws.cancel = conn, cancel
	ws.mu.Unlock()

	go ws.run(runCtx, conn)
	return nil
}

// Disconnect closes the connection and stops reconnecting
func (ws *WSClient) Disconnect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.cancel == nil {
		return nil
	}
	ws.cancel()
	ws.cancel = nil
	ws.conn = nil
	return nil
}

// IsConnected returns the current connection status
func (ws *WSClient) IsConnected() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conn != nil
}

// SubscribeCollection limits the stream to receipts for collection. It can
// be called several times to follow more than one collection. The
// subscription is kept for reconnects even when sending it fails.
func (ws *WSClient) SubscribeCollection(collection common.Address) error {
	ws.subMu.Lock()
	ws.collections[collection] = struct{}{}
	ws.subMu.Unlock()
	return ws.send(WSMessage{Action: ActionSubscribe, Collection: collection.Hex()})
}

// UnsubscribeCollection stops following collection
func (ws *WSClient) UnsubscribeCollection(collection common.Address) error {
	ws.subMu.Lock()
	delete(ws.collections, collection)
	ws.subMu.Unlock()
	return ws.send(WSMessage{Action: ActionUnsubscribe, Collection: collection.Hex()})
}

// GetSubscriptions returns the followed collections
func (ws *WSClient) GetSubscriptions() []common.Address {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()

	subs := make([]common.Address, 0, len(ws.collections))
	for c := range ws.collections {
		subs = append(subs, c)
	}
	return subs
}

func (ws *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(ws.config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse WebSocket endpoint: %w", err)
	}
	if ws.config.Token != "" {
		q := u.Query()
		q.Set("token", ws.config.Token)
		u.RawQuery = q.Encode()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	return conn, nil
}

func (ws *WSClient) send(msg WSMessage) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// run owns one connection at a time until ctx is cancelled or the reconnect
// budget is spent.
func (ws *WSClient) run(ctx context.Context, conn *websocket.Conn) {
	for {
		ws.notify(ws.config.OnConnect)
		ws.resubscribe()

		err := ws.stream(ctx, conn)
		ws.swapConn(ctx, nil)
		ws.notify(ws.config.OnDisconnect)
		if ctx.Err() != nil {
			return
		}
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			ws.reportError(fmt.Errorf("read error: %w", err))
		}

		if conn = ws.redial(ctx); conn == nil {
			return
		}
		if !ws.swapConn(ctx, conn) {
			conn.Close()
			return
		}
	}
}

// stream reads receipts from conn, heartbeating alongside, until the
// connection fails or ctx is cancelled.
func (ws *WSClient) stream(ctx context.Context, conn *websocket.Conn) error {
	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()
	go ws.heartbeat(connCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg ReceiptMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ws.reportError(fmt.Errorf("failed to decode message: %w", err))
			continue
		}
		if msg.Channel == ChannelReceipt && msg.Receipt != nil && ws.config.OnReceipt != nil {
			ws.config.OnReceipt(msg.Receipt)
		}
	}
}

func (ws *WSClient) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ws.send(WSMessage{Action: ActionHeartbeat}); err != nil {
				ws.reportError(fmt.Errorf("heartbeat failed: %w", err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (ws *WSClient) redial(ctx context.Context) *websocket.Conn {
	for attempt := 1; attempt <= ws.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-time.After(ws.config.ReconnectInterval):
		case <-ctx.Done():
			return nil
		}
		conn, err := ws.dial(ctx)
		if err == nil {
			return conn
		}
		ws.reportError(fmt.Errorf("reconnect attempt %d failed: %w", attempt, err))
	}
	ws.reportError(fmt.Errorf("max reconnect attempts (%d) reached", ws.config.MaxReconnectAttempts))

	ws.mu.Lock()
	if ws.cancel != nil {
		ws.cancel()
		ws.cancel = nil
	}
	ws.mu.Unlock()
	return nil
}

// swapConn publishes conn unless the client was disconnected meanwhile.
func (ws *WSClient) swapConn(ctx context.Context, conn *websocket.Conn) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	ws.conn = conn
	return true
}

func (ws *WSClient) resubscribe() {
	for _, c := range ws.GetSubscriptions() {
		if err := ws.send(WSMessage{Action: ActionSubscribe, Collection: c.Hex()}); err != nil {
			ws.reportError(fmt.Errorf("resubscribe failed: %w", err))
		}
	}
}

func (ws *WSClient) notify(fn func()) {
	if fn != nil {
		go fn()
	}
}

func (ws *WSClient) reportError(err error) {
	if ws.config.OnError != nil {
		ws.config.OnError(err)
	}
}
