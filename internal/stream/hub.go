// Package stream fans committed tokens out to WebSocket observers. A client
// subscribes to a session id and receives one event per finalized round.
package stream

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
)

// Event is one finalized round for one session.
type Event struct {
	SessionID uint64  `json:"session_id"`
	Tokens    []int32 `json:"tokens"`
	Finished  bool    `json:"finished"`
}

// Hub tracks subscribers per session and delivers commit events. Slow or
// dead subscribers are dropped rather than blocking finalization.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]map[*subscriber]struct{}
}

type subscriber struct {
	ch chan Event
}

const subscriberBuffer = 32

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]map[*subscriber]struct{})}
}

// Publish delivers one event to every subscriber of the session. Delivery
// never blocks: a subscriber with a full buffer loses the event.
func (h *Hub) Publish(sessionID uint64, tokens []int32, finished bool) {
	ev := Event{SessionID: sessionID, Tokens: tokens, Finished: finished}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[sessionID] {
		select {
		case sub.ch <- ev:
		default:
			slog.Debug("Dropping stream event for slow subscriber", "session_id", sessionID)
		}
	}
}

func (h *Hub) subscribe(sessionID uint64) *subscriber {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sessionID uint64, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

// ServeHTTP upgrades the connection and streams commit events for the
// session named in the query until the session finishes or the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseUint(r.URL.Query().Get("session_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session_id", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("WebSocket close error", "error", closeErr)
		}
	}()

	sub := h.subscribe(sessionID)
	defer h.unsubscribe(sessionID, sub)
	slog.Info("Stream subscriber attached", "session_id", sessionID, "ip", r.RemoteAddr)

	ctx := r.Context()
	for {
		select {
		case ev := <-sub.ch:
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.Error("Failed to encode stream event", "error", err)
				return
			}
			if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
				slog.Debug("WebSocket write error", "error", err, "session_id", sessionID)
				return
			}
			if ev.Finished {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
