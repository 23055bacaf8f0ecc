package tabs

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"rhythmchamber/internal/logging"
)

const writeTimeout = 5 * time.Second

// =============================================================================
// WEBSOCKET HUB
// =============================================================================

// Hub relays broadcast frames between tabs connected over websockets. Frames
// from one connection fan out to every other connection; the hub never echoes
// a frame back to its sender.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*websocket.Conn)}
}

// Handler accepts tab connections at /channel/<tab_id>.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tabID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/channel/"), "/")
		if tabID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		h.add(tabID, conn)
		defer h.remove(tabID)
		logging.Tabs("tab %s connected to hub", tabID)

		ctx := r.Context()
		for {
			_, frame, err := conn.Read(ctx)
			if err != nil {
				logging.TabsDebug("tab %s disconnected: %v", tabID, err)
				return
			}
			h.broadcast(ctx, tabID, frame)
		}
	}
}

func (h *Hub) add(tabID string, conn *websocket.Conn) {
	h.mu.Lock()
	if old, ok := h.conns[tabID]; ok {
		old.Close(websocket.StatusPolicyViolation, "replaced by new connection")
	}
	h.conns[tabID] = conn
	h.mu.Unlock()
}

func (h *Hub) remove(tabID string) {
	h.mu.Lock()
	delete(h.conns, tabID)
	h.mu.Unlock()
}

func (h *Hub) broadcast(ctx context.Context, senderID string, frame []byte) {
	h.mu.RLock()
	targets := make(map[string]*websocket.Conn, len(h.conns))
	for id, conn := range h.conns {
		if id == senderID {
			continue
		}
		targets[id] = conn
	}
	h.mu.RUnlock()

	for id, conn := range targets {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(wctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			logging.TabsWarn("dropping tab %s after write error: %v", id, err)
			conn.Close(websocket.StatusGoingAway, "write error")
			h.remove(id)
		}
	}
}

// ConnectedTabs returns the ids of currently connected tabs.
func (h *Hub) ConnectedTabs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	return out
}

// =============================================================================
// WEBSOCKET CHANNEL
// =============================================================================

// WSChannel adapts a hub connection to the Channel interface for one process.
type WSChannel struct {
	conn *websocket.Conn

	mu   sync.RWMutex
	subs map[string]func(frame []byte)

	ctx    context.Context
	cancel context.CancelFunc
}

// DialChannel connects to a hub at url (e.g. ws://host/channel/<tab_id>).
func DialChannel(ctx context.Context, url string) (*WSChannel, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	ch := &WSChannel{
		conn:   conn,
		subs:   make(map[string]func(frame []byte)),
		ctx:    cctx,
		cancel: cancel,
	}
	go ch.readLoop()
	return ch, nil
}

func (ch *WSChannel) readLoop() {
	for {
		_, frame, err := ch.conn.Read(ch.ctx)
		if err != nil {
			return
		}

		ch.mu.RLock()
		handlers := make([]func([]byte), 0, len(ch.subs))
		for _, fn := range ch.subs {
			handlers = append(handlers, fn)
		}
		ch.mu.RUnlock()

		for _, fn := range handlers {
			fn(frame)
		}
	}
}

// Publish sends the frame to the hub. The hub handles sender exclusion, so
// senderID is unused here.
func (ch *WSChannel) Publish(ctx context.Context, senderID string, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ch.conn.Write(wctx, websocket.MessageText, frame)
}

// Subscribe registers a frame handler.
func (ch *WSChannel) Subscribe(subscriberID string, fn func(frame []byte)) func() {
	ch.mu.Lock()
	ch.subs[subscriberID] = fn
	ch.mu.Unlock()

	return func() {
		ch.mu.Lock()
		delete(ch.subs, subscriberID)
		ch.mu.Unlock()
	}
}

// Close tears down the connection and read loop.
func (ch *WSChannel) Close() error {
	ch.cancel()
	return ch.conn.Close(websocket.StatusNormalClosure, "channel closed")
}
