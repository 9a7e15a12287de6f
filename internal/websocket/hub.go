package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/planscope/api/internal/metrics"
	"github.com/planscope/api/internal/model"
)

// Client represents a WebSocket subscriber for one job
type Client struct {
	ID    string
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte

	done     chan struct{}
	doneOnce sync.Once
	lastSeen atomic.Int64
}

// NewClient creates a subscriber for the given job
func NewClient(conn *websocket.Conn, jobID string) *Client {
	c := &Client{
		ID:    uuid.NewString(),
		JobID: jobID,
		Conn:  conn,
		Send:  make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	c.touch()
	return c
}

// Done is closed once the hub has released the subscriber
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().Unix())
}

// jobEvent is a fanout request processed by the hub loop. A nil message
// with close set tears the job's subscriber group down without delivering
// anything.
type jobEvent struct {
	jobID   string
	message []byte
	close   bool
}

// Hub maintains active WebSocket subscriptions grouped by job
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Events to fan out to job subscribers
	events chan *jobEvent

	// Subscriptions idle longer than this are expired by the sweep
	connTTL time.Duration

	mu sync.RWMutex
}

// NewHub creates a new Hub
func NewHub(connTTL time.Duration) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan *jobEvent, 256),
		connTTL:    connTTL,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			group := h.clients[client.JobID]
			if group == nil {
				group = make(map[*Client]bool)
				h.clients[client.JobID] = group
			}
			// Registering an already subscribed client is a no-op
			if !group[client] {
				group[client] = true
				client.touch()
				metrics.WSConnections.Inc()
				log.Printf("Subscriber %s registered for job %s", client.ID, client.JobID)
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()

		case ev := <-h.events:
			h.mu.Lock()
			if clients, ok := h.clients[ev.jobID]; ok {
				if ev.message != nil {
					for client := range clients {
						select {
						case client.Send <- ev.message:
							client.touch()
						default:
							// A slow subscriber loses this event; the others
							// still get theirs
							metrics.WSDroppedEvents.Inc()
							log.Printf("Dropped event for slow subscriber %s on job %s", client.ID, client.JobID)
						}
					}
				}
				if ev.close {
					for client := range clients {
						client.shutdown()
						metrics.WSConnections.Dec()
					}
					delete(h.clients, ev.jobID)
				}
			}
			h.mu.Unlock()

		case <-sweep.C:
			h.sweepIdle()
		}
	}
}

// drop removes a client if it is still registered. Safe to call twice.
func (h *Hub) drop(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	client.shutdown()
	metrics.WSConnections.Dec()
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
	log.Printf("Subscriber %s unregistered from job %s", client.ID, client.JobID)
}

// sweepIdle expires subscriptions with no activity inside the connection TTL
func (h *Hub) sweepIdle() {
	cutoff := time.Now().Add(-h.connTTL).Unix()

	h.mu.Lock()
	defer h.mu.Unlock()

	for jobID, clients := range h.clients {
		for client := range clients {
			if client.lastSeen.Load() < cutoff {
				delete(clients, client)
				client.shutdown()
				metrics.WSConnections.Dec()
				log.Printf("Subscriber %s for job %s expired after idle timeout", client.ID, jobID)
			}
		}
		if len(clients) == 0 {
			delete(h.clients, jobID)
		}
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) publish(jobID string, ev *model.WSEvent, closeAfter bool) {
	var data []byte
	if ev != nil {
		var err error
		data, err = json.Marshal(ev)
		if err != nil {
			log.Printf("Failed to marshal %s event for job %s: %v", ev.Type, jobID, err)
			return
		}
	}

	h.events <- &jobEvent{
		jobID:   jobID,
		message: data,
		close:   closeAfter,
	}
}

// BroadcastProgress sends a progress update to all job subscribers
func (h *Hub) BroadcastProgress(jobID string, status model.JobStatus, stage model.Stage, progress int) {
	h.publish(jobID, &model.WSEvent{
		Type:      model.WSMessageTypeProgress,
		JobID:     jobID,
		Status:    status,
		Stage:     stage,
		Progress:  progress,
		Timestamp: time.Now().UTC(),
	}, false)
}

// BroadcastStageComplete notifies subscribers that a stage produced a result
func (h *Hub) BroadcastStageComplete(jobID string, status model.JobStatus, stage model.Stage, result interface{}) {
	h.publish(jobID, &model.WSEvent{
		Type:      model.WSMessageTypeStageComplete,
		JobID:     jobID,
		Status:    status,
		Stage:     stage,
		Progress:  stage.Progress(),
		Result:    result,
		Timestamp: time.Now().UTC(),
	}, false)
}

// BroadcastJobComplete delivers the terminal completion event and then
// releases the job's subscribers
func (h *Hub) BroadcastJobComplete(jobID string, degraded bool, result interface{}) {
	h.publish(jobID, &model.WSEvent{
		Type:      model.WSMessageTypeJobComplete,
		JobID:     jobID,
		Status:    model.JobStatusCompleted,
		Progress:  100,
		Degraded:  degraded,
		Result:    result,
		Timestamp: time.Now().UTC(),
	}, true)
}

// BroadcastJobFailed delivers the terminal failure event and then releases
// the job's subscribers
func (h *Hub) BroadcastJobFailed(jobID string, jobErr *model.JobError) {
	h.publish(jobID, &model.WSEvent{
		Type:      model.WSMessageTypeJobFailed,
		JobID:     jobID,
		Status:    model.JobStatusFailed,
		Error:     jobErr,
		Timestamp: time.Now().UTC(),
	}, true)
}

// BroadcastJobCancelled delivers the terminal cancellation event and then
// releases the job's subscribers
func (h *Hub) BroadcastJobCancelled(jobID string) {
	h.publish(jobID, &model.WSEvent{
		Type:      model.WSMessageTypeJobCancelled,
		JobID:     jobID,
		Status:    model.JobStatusCancelled,
		Timestamp: time.Now().UTC(),
	}, true)
}

// CloseJob releases all subscribers for a job without delivering anything
func (h *Hub) CloseJob(jobID string) {
	h.events <- &jobEvent{jobID: jobID, close: true}
}

// HandleConnection handles a WebSocket connection subscribed to one job
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	client := NewClient(c, jobID)

	h.Register(client)
	defer h.Unregister(client)

	// Writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-client.Done():
				// Flush anything still queued so the terminal event is not
				// lost, then close
				for {
					select {
					case message := <-client.Send:
						if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
							return
						}
					default:
						c.WriteMessage(websocket.CloseMessage, []byte{})
						c.Close()
						return
					}
				}

			case message := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		client.touch()

		// Handle client messages (ping/pong)
		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong := model.WSMessage{Type: model.WSMessageTypePong}
			data, _ := json.Marshal(pong)
			select {
			case client.Send <- data:
			case <-client.Done():
				return
			default:
			}
		}
	}
}
