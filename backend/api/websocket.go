package api

import (
	"log"
	"sync"
	"time"

	"github.com/andi/fileconvert/backend/models"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// ClientMessage represents a message from client to server
type ClientMessage struct {
	Action string `json:"action"` // "subscribe", "unsubscribe", "ping"
	JobID  string `json:"job_id"`
}

// ServerMessage represents a message from server to client
type ServerMessage struct {
	Type    string      `json:"type"` // "subscribed", "status", "complete", "error", "pong"
	JobID   string      `json:"job_id,omitempty"`
	Status  string      `json:"status,omitempty"`
	Content string      `json:"content,omitempty"`
	Job     *models.Job `json:"job,omitempty"`
	Time    string      `json:"time"`
}

// Client represents a connected WebSocket client
type Client struct {
	conn          *websocket.Conn
	owner         string
	subscribedJob string
	// awaiting is set while the subscribed job has not reached a terminal state
	awaiting     bool
	lastActivity time.Time
	send          chan ServerMessage
	mu            sync.Mutex
	closed        bool
}

func newClient(conn *websocket.Conn, owner string) *Client {
	return &Client{
		conn:         conn,
		owner:        owner,
		lastActivity: time.Now(),
		send:         make(chan ServerMessage, 16),
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// trySend queues msg without blocking; it reports false for a closed or slow client
func (c *Client) trySend(msg ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		c.lastActivity = time.Now()
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WebSocketHub fans job transitions out to subscribed clients
type WebSocketHub struct {
	clients        map[*Client]bool
	jobSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub() *WebSocketHub {
	hub := &WebSocketHub{
		clients:        make(map[*Client]bool),
		jobSubscribers: make(map[string]map[*Client]bool),
		register:       make(chan *Client, 16),
		unregister:     make(chan *Client, 16),
		stopCh:         make(chan struct{}),
	}

	go hub.run()
	go hub.cleanupIdleClients()

	return hub
}

func (h *WebSocketHub) run() {
	for {
		select {
		case <-h.stopCh:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *WebSocketHub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	h.unsubscribeLocked(client)
	client.close()
}

func (h *WebSocketHub) unsubscribeLocked(client *Client) {
	jobID := client.subscribedJob
	if jobID == "" {
		return
	}
	if subs, ok := h.jobSubscribers[jobID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.jobSubscribers, jobID)
		}
	}
	client.subscribedJob = ""
	client.awaiting = false
}

// subscribe moves a client's single subscription to jobID.
// Until the job settles the client is exempt from the idle sweep.
func (h *WebSocketHub) subscribe(client *Client, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsubscribeLocked(client)
	client.subscribedJob = jobID
	client.awaiting = true
	if h.jobSubscribers[jobID] == nil {
		h.jobSubscribers[jobID] = make(map[*Client]bool)
	}
	h.jobSubscribers[jobID][client] = true
	client.touch()
}

func (h *WebSocketHub) unsubscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client)
}

// SubscriberCount returns how many clients watch a job
func (h *WebSocketHub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.jobSubscribers[jobID])
}

func (h *WebSocketHub) sendToJobSubscribers(jobID string, msg ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.jobSubscribers[jobID] {
		if !client.trySend(msg) {
			log.Printf("[WebSocket] dropped %s message for job %s", msg.Type, jobID)
		}
	}
}

// JobUpdated broadcasts a committed job transition
func (h *WebSocketHub) JobUpdated(job models.Job) {
	if job.Status.IsTerminal() {
		h.settle(job.ID)
	}

	now := time.Now().Format(time.RFC3339)
	h.sendToJobSubscribers(job.ID, ServerMessage{
		Type:    "status",
		JobID:   job.ID,
		Status:  string(job.Status),
		Content: job.FailureReason,
		Job:     &job,
		Time:    now,
	})

	if job.Status.IsTerminal() {
		h.sendToJobSubscribers(job.ID, ServerMessage{
			Type:   "complete",
			JobID:  job.ID,
			Status: string(job.Status),
			Time:   now,
		})
	}
}

func (h *WebSocketHub) settle(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.jobSubscribers[jobID] {
		client.awaiting = false
	}
}

// Register adds a client; it reports false once the hub has stopped
func (h *WebSocketHub) Register(client *Client) bool {
	select {
	case <-h.stopCh:
		return false
	default:
	}
	select {
	case h.register <- client:
		return true
	case <-h.stopCh:
		return false
	}
}

// Unregister removes a client; after Stop it is a no-op
func (h *WebSocketHub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopCh:
	}
}

func (h *WebSocketHub) cleanupIdleClients() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.closeIdleClients(5 * time.Minute)
		}
	}
}

func (h *WebSocketHub) closeIdleClients(idleTimeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for client := range h.clients {
		if client.awaiting {
			continue
		}
		if now.Sub(client.idleSince()) > idleTimeout {
			log.Printf("[WebSocket] closing idle client (last activity %v ago)", now.Sub(client.idleSince()).Round(time.Second))
			delete(h.clients, client)
			h.unsubscribeLocked(client)
			client.close()
		}
	}
}

// Stop stops the hub and closes every client
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)

		h.mu.Lock()
		defer h.mu.Unlock()
		for client := range h.clients {
			client.close()
		}
		h.clients = make(map[*Client]bool)
		h.jobSubscribers = make(map[string]map[*Client]bool)
	})
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(c *fiber.Ctx) error {
	owner, _ := c.Locals(ownerLocal).(string)

	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()

		client := newClient(conn, owner)
		if !s.wsHub.Register(client) {
			return
		}
		conn.SetPongHandler(func(string) error {
			client.touch()
			return nil
		})

		go client.writePump()
		s.readPump(client)

		s.wsHub.Unregister(client)
	})(c)
}

func (s *Server) readPump(c *Client) {
	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WebSocket] read error: %v", err)
			}
			return
		}
		c.touch()

		if reply, ok := s.handleClientMessage(c, msg); ok {
			c.trySend(reply)
		}
	}
}

// handleClientMessage applies one client action and returns the reply to send
func (s *Server) handleClientMessage(c *Client, msg ClientMessage) (ServerMessage, bool) {
	now := time.Now().Format(time.RFC3339)

	switch msg.Action {
	case "subscribe":
		if msg.JobID == "" {
			return ServerMessage{Type: "error", Content: "job_id is required", Time: now}, true
		}
		if _, err := s.service.GetJobForOwner(msg.JobID, c.owner); err != nil {
			_, resp := toErrorResponse(err)
			return ServerMessage{Type: "error", JobID: msg.JobID, Content: resp.Error, Time: now}, true
		}
		s.wsHub.subscribe(c, msg.JobID)

		// Read again after subscribing so no transition falls between the ack and the broadcasts
		job, err := s.service.GetJobForOwner(msg.JobID, c.owner)
		if err != nil {
			s.wsHub.unsubscribe(c)
			_, resp := toErrorResponse(err)
			return ServerMessage{Type: "error", JobID: msg.JobID, Content: resp.Error, Time: now}, true
		}
		if job.Status.IsTerminal() {
			s.wsHub.settle(job.ID)
		}
		return ServerMessage{Type: "subscribed", JobID: job.ID, Status: string(job.Status), Job: job, Time: now}, true

	case "unsubscribe":
		s.wsHub.unsubscribe(c)
		return ServerMessage{}, false

	case "ping":
		return ServerMessage{Type: "pong", Time: now}, true
	}
	return ServerMessage{Type: "error", Content: "unknown action: " + msg.Action, Time: now}, true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Closing the conn also unblocks readPump
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.conn.Close()
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("[WebSocket] write error: %v", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
