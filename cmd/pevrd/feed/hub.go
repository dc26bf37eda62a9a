// Package feed pushes action snapshots to WebSocket clients watching a project.
package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var errHubStopped = errors.New("feed hub stopped")

// ChannelPrefix prefixes the Redis PubSub channel of each project
const ChannelPrefix = "action:events:"

// Channel returns the PubSub channel carrying a project's snapshots
func Channel(projectID string) string {
	return ChannelPrefix + projectID
}

func projectFromChannel(channel string) string {
	if !strings.HasPrefix(channel, ChannelPrefix) {
		return ""
	}
	return strings.TrimPrefix(channel, ChannelPrefix)
}

// Logger defines the logging interface needed by the feed
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Message is one payload for every client of a project
type Message struct {
	ProjectID string
	Data      []byte
}

// Hub tracks connected clients per project and fans messages out to them.
// Only the Run goroutine mutates the client set.
type Hub struct {
	clients map[string]map[*Client]struct{}
	mutex   sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}

	logger Logger
}

// NewHub creates a new Hub instance
func NewHub(logger Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves registrations and broadcasts until ctx is done, then
// disconnects every client
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("feed hub started")

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			h.logger.Info("feed hub stopped")
			return nil

		case client := <-h.register:
			h.add(client)

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Publish queues data for every client of projectID. It never blocks; when
// the queue is full the message is dropped.
func (h *Hub) Publish(projectID string, data []byte) {
	select {
	case h.broadcast <- &Message{ProjectID: projectID, Data: data}:
	default:
		h.logger.Warn("feed queue full, dropping message", "project_id", projectID)
	}
}

// Register hands a client to the hub
func (h *Hub) Register(ctx context.Context, c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errHubStopped
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) add(c *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	set, ok := h.clients[c.projectID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.projectID] = set
	}
	set[c] = struct{}{}
	h.logger.Debug("feed client registered", "project_id", c.projectID, "clients", len(set))
}

// remove drops c and closes its send channel; a client already dropped is ignored
func (h *Hub) remove(c *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	set := h.clients[c.projectID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.projectID)
	}
	h.logger.Debug("feed client unregistered", "project_id", c.projectID, "remaining", len(set))
}

func (h *Hub) deliver(msg *Message) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for c := range h.clients[msg.ProjectID] {
		select {
		case c.send <- msg.Data:
		default:
			h.logger.Warn("feed client too slow, disconnecting", "project_id", c.projectID)
			h.removeLocked(c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, set := range h.clients {
		for c := range set {
			h.removeLocked(c)
		}
	}
}

// ConnectionCount returns the number of connected clients
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// ProjectCount returns the number of projects with at least one client
func (h *Hub) ProjectCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
