package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// Event is one websocket message
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// writeWait bounds a single write to a client
const writeWait = 10 * time.Second

const (
	EventOffers       = "offers"
	EventOfferOpened  = "offer_opened"
	EventOfferSettled = "offer_settled"
)

type wsClient struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	writeWait time.Duration
}

// send writes one message; a peer that stops reading fails the write once
// the deadline passes
func (c *wsClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub fans events out to websocket clients
type Hub struct {
	mu        sync.RWMutex
	clients   map[*wsClient]bool
	snapshot  func(ctx context.Context) (Event, error)
	log       *logrus.Entry
	writeWait time.Duration
}

// NewHub creates a hub. snapshot produces the event sent on connect and on
// every periodic tick.
func NewHub(snapshot func(ctx context.Context) (Event, error), log *logrus.Logger) *Hub {
	return &Hub{
		clients:   make(map[*wsClient]bool),
		snapshot:  snapshot,
		log:       log.WithField("component", "ws"),
		writeWait: writeWait,
	}
}

// Broadcast sends e to every connected client, dropping those that fail
func (h *Hub) Broadcast(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal event")
		return
	}

	h.mu.RLock()
	var failed []*wsClient
	for client := range h.clients {
		if err := client.send(data); err != nil {
			h.log.WithError(err).Debug("failed to send message")
			failed = append(failed, client)
		}
	}
	h.mu.RUnlock()

	if len(failed) > 0 {
		h.mu.Lock()
		for _, c := range failed {
			delete(h.clients, c)
			c.conn.Close()
		}
		h.mu.Unlock()
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the connection and keeps it registered until the peer
// goes away
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("failed to upgrade connection")
		return
	}

	client := &wsClient{conn: conn, writeWait: h.writeWait}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	// Send initial snapshot
	if h.snapshot != nil {
		e, err := h.snapshot(r.Context())
		if err != nil {
			h.log.WithError(err).Error("failed to build snapshot")
		} else if data, err := json.Marshal(e); err == nil {
			client.send(data)
		}
	}

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			conn.Close()
			return
		}
	}
}

// Run broadcasts a fresh snapshot every interval until ctx is done
func (h *Hub) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if h.snapshot == nil {
				continue
			}
			e, err := h.snapshot(ctx)
			if err != nil {
				h.log.WithError(err).Error("failed to build snapshot")
				continue
			}
			h.Broadcast(e)
		}
	}
}
