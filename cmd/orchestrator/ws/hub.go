// Package ws streams workflow events to WebSocket clients. One hub fans a
// single bus subscription out to per-connection send queues; clients pick a
// workflow with ?workflowId= or receive everything without it.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/forgeline/overseer/common/events"
	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub routes bus events to connected clients by workflow id.
type Hub struct {
	bus *events.Bus
	log *logger.Logger

	// Map: workflowID → clients. The empty key is the firehose.
	connections map[string][]*Client
	mutex       sync.RWMutex

	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	done       chan struct{}
}

// NewHub creates a hub over the bus. Run starts routing.
func NewHub(bus *events.Bus, log *logger.Logger) *Hub {
	return &Hub{
		bus:         bus,
		log:         log,
		connections: make(map[string][]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run consumes the bus and routes events until Close.
func (h *Hub) Run() {
	sub := h.bus.Subscribe(events.AllWorkflows)
	defer sub.Cancel()
	defer close(h.done)

	h.log.Info("event hub started")
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			h.routeEvent(evt)

		case <-h.stop:
			return
		}
	}
}

// Close stops routing and disconnects every client.
func (h *Hub) Close() {
	close(h.stop)
	<-h.done

	h.mutex.Lock()
	defer h.mutex.Unlock()
	for key, clients := range h.connections {
		for _, c := range clients {
			close(c.send)
		}
		delete(h.connections, key)
	}
}

// HandleWS upgrades the connection and registers the client.
// GET /ws/events?workflowId=...
func (h *Hub) HandleWS(c echo.Context) error {
	workflowID := c.QueryParam("workflowId")

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return err
	}

	client := NewClient(h, conn, workflowID)
	h.register <- client

	h.log.Info("websocket connected",
		"workflow_id", workflowID, "remote", c.Request().RemoteAddr)

	go client.writePump()
	go client.readPump()
	return nil
}

func (h *Hub) registerClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.connections[client.workflowID] = append(h.connections[client.workflowID], client)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	clients := h.connections[client.workflowID]
	for i, c := range clients {
		if c == client {
			h.connections[client.workflowID] = append(clients[:i], clients[i+1:]...)
			close(client.send)
			if len(h.connections[client.workflowID]) == 0 {
				delete(h.connections, client.workflowID)
			}
			break
		}
	}
}

// routeEvent delivers one event to the workflow's clients and the firehose.
// A client whose send buffer is full loses the event, not the connection;
// the event log remains the complete record.
func (h *Hub) routeEvent(evt state.WorkflowEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("failed to encode event", "error", err)
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, client := range h.connections[evt.WorkflowID] {
		client.trySend(data)
	}
	if evt.WorkflowID != "" {
		for _, client := range h.connections[""] {
			client.trySend(data)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	count := 0
	for _, clients := range h.connections {
		count += len(clients)
	}
	return count
}
