package realtime

import (
	"encoding/json"
	"strings"
	"sync"

	"qline/internal/identity"
	"qline/internal/live"
)

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	TypeShopView = "shop.view"
	TypeUserView = "user.view"
	TypeError    = "error"
)

// SubscribeMessage is the only message clients send. A connection follows at
// most one view; subscribing again replaces the previous one.
type SubscribeMessage struct {
	Action string `json:"action"`
	Scope  string `json:"scope"`
	ShopID string `json:"shop_id"`
}

// Message is pushed to clients for every published snapshot.
type Message struct {
	Type    string      `json:"type"`
	Version uint64      `json:"version,omitempty"`
	Stale   bool        `json:"stale,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type Client struct {
	ID        string
	Transport string
	Session   identity.Session
	Send      chan []byte
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister forgets the client and closes its Send channel. Callers stop
// every producer for the client first.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	msg.Scope = strings.ToLower(strings.TrimSpace(msg.Scope))
	msg.ShopID = strings.TrimSpace(msg.ShopID)
	switch msg.Action {
	case ActionUnsubscribe:
		return msg, true
	case ActionSubscribe:
		switch msg.Scope {
		case live.ScopeShop:
			return msg, msg.ShopID != ""
		case live.ScopeUser:
			return msg, true
		}
	}
	return SubscribeMessage{}, false
}

func snapshotMessage(snap live.Snapshot) Message {
	msg := Message{Version: snap.Version, Stale: snap.Stale, Error: snap.Error}
	switch {
	case snap.Shop != nil:
		msg.Type = TypeShopView
		msg.Data = snap.Shop
	case snap.User != nil:
		msg.Type = TypeUserView
		msg.Data = snap.User
	case snap.Scope == live.ScopeShop:
		msg.Type = TypeShopView
	default:
		msg.Type = TypeUserView
	}
	return msg
}

func errorMessage(text string) []byte {
	payload, _ := json.Marshal(Message{Type: TypeError, Error: text})
	return payload
}
