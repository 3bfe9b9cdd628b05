package websocket

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrHubStopped = errors.New("notification hub is stopped")
	ErrHubBusy    = errors.New("notification hub is busy")
)

// Hub fans notifications out to the live connections of each owner.
type Hub struct {
	clients    map[*Client]bool
	byOwner    map[string][]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan *ownerMessage
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byOwner:    make(map[string][]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ownerMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and notifications until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer h.stop()
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.deliver(message)

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	h.byOwner[client.user.ID] = append(h.byOwner[client.user.ID], client)

	log.Info().
		Str("ownerId", client.user.ID).
		Int("totalClients", len(h.clients)).
		Msg("[WS] Client registered")
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	delete(h.clients, client)
	close(client.send)

	ownerClients := h.byOwner[client.user.ID]
	for i, c := range ownerClients {
		if c == client {
			h.byOwner[client.user.ID] = append(ownerClients[:i], ownerClients[i+1:]...)
			break
		}
	}
	if len(h.byOwner[client.user.ID]) == 0 {
		delete(h.byOwner, client.user.ID)
	}

	log.Info().
		Str("ownerId", client.user.ID).
		Int("totalClients", len(h.clients)).
		Msg("[WS] Client unregistered")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]bool)
	h.byOwner = make(map[string][]*Client)
}

func (h *Hub) deliver(msg *ownerMessage) {
	h.mu.RLock()
	clients := make([]*Client, len(h.byOwner[msg.ownerID]))
	copy(clients, h.byOwner[msg.ownerID])
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	notification := &NotificationMessage{
		Type:    MessageTypeNotification,
		Payload: msg.payload,
	}

	for _, client := range clients {
		select {
		case client.send <- notification:
		default:
			log.Warn().
				Str("ownerId", msg.ownerID).
				Msg("[WS] Client send buffer full, dropping message")
		}
	}

	log.Debug().
		Str("ownerId", msg.ownerID).
		Int("recipients", len(clients)).
		Msg("[WS] Notification delivered")
}

// Register blocks until the hub accepts the client. It reports false when
// the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Notify queues payload for every connection of ownerID. It never blocks.
func (h *Hub) Notify(ownerID string, payload interface{}) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.broadcast <- &ownerMessage{ownerID: ownerID, payload: payload}:
		return nil
	default:
		return ErrHubBusy
	}
}

func (h *Hub) GetStats() (totalClients, totalOwners int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients), len(h.byOwner)
}
