package gateway

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ocx/agentkernel/internal/events"
)

// conn pairs a live websocket connection with the tenant it
// authenticated as, so server-pushed events can be filtered per tenant.
type conn struct {
	ws       *websocket.Conn
	tenantID string
	out      chan interface{} // serialized via WriteJSON by the writer goroutine
}

// Hub manages every connected gateway client: it dispatches inbound
// request envelopes through a Router and fans server-side kernel
// events out to every client subscribed to them. Grounded on the
// teacher's DAGStreamer (internal/websocket/dag_streamer.go)
// register/unregister/broadcast channel shape, generalized from a
// one-way visualization broadcast to a per-connection request/response
// loop plus a tenant-scoped event broadcast.
type Hub struct {
	router *Router

	mu      sync.RWMutex
	clients map[*conn]bool

	register   chan *conn
	unregister chan *conn
	broadcast  chan *events.CloudEvent

	upgrader websocket.Upgrader
	logger   *log.Logger
}

// NewHub constructs a Hub that dispatches requests through router.
func NewHub(router *Router) *Hub {
	return &Hub{
		router:     router,
		clients:    make(map[*conn]bool),
		register:   make(chan *conn),
		unregister: make(chan *conn),
		broadcast:  make(chan *events.CloudEvent, 256),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
}

// Run drives the hub's register/unregister/broadcast loop. Call it
// once in its own goroutine before serving any connections.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.out)
				c.ws.Close()
			}
			h.mu.Unlock()
		case event := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if event.TenantID != "" && c.tenantID != "" && event.TenantID != c.tenantID {
					continue
				}
				select {
				case c.out <- event:
				default:
					h.logger.Printf("client buffer full, dropping event %s for tenant %s", event.ID, c.tenantID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastEvent pushes event to every connected client scoped to its
// tenant (events with no tenant id go to everyone).
func (h *Hub) BroadcastEvent(event *events.CloudEvent) {
	h.broadcast <- event
}

// HandleWebSocket upgrades r and serves c's request/response loop
// until the connection closes. tenantID has already been authenticated
// by the caller (e.g. via the "auth" request type or an upstream
// middleware validating the API key).
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, tenantID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade error: %v", err)
		return
	}

	c := &conn{ws: ws, tenantID: tenantID, out: make(chan interface{}, 64)}
	h.register <- c

	done := make(chan struct{})
	go h.writeLoop(c, done)
	h.readLoop(c, done)
}

func (h *Hub) writeLoop(c *conn, done <-chan struct{}) {
	for {
		select {
		case msg, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				h.logger.Printf("write error for tenant %s: %v", c.tenantID, err)
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) readLoop(c *conn, done chan<- struct{}) {
	defer func() {
		close(done)
		h.unregister <- c
	}()

	for {
		var req Envelope
		if err := c.ws.ReadJSON(&req); err != nil {
			return
		}
		resp := h.router.Dispatch(context.Background(), c.tenantID, req)
		select {
		case c.out <- resp:
		default:
			h.logger.Printf("response buffer full for tenant %s, dropping response to %s", c.tenantID, req.ID)
		}
	}
}

// ConnectedClients returns the number of currently connected websocket clients.
func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
