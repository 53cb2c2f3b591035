package ws

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pinhawk/pinhawk/pkg/models"
)

// Event types pushed to subscribers.
const (
	EventConnected = "connected"
	EventProgress  = "progress"
	EventError     = "error"
	EventComplete  = "complete"
)

// Message is one event frame on the wire.
type Message struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
	Data  any    `json:"data,omitempty"`
}

// ProgressData is the payload of a progress event.
type ProgressData struct {
	Status   string             `json:"status"`
	Progress models.JobProgress `json:"progress"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Message string `json:"message"`
}

// CompleteData is the payload of the terminal complete event.
type CompleteData struct {
	Status string            `json:"status"`
	Result *models.JobResult `json:"result,omitempty"`
}

// Hub fans job events out to that job's subscribers. Events are not buffered:
// a subscriber only sees events published while it is connected, and the
// durable record covers anything it missed.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[*Client]bool)}
}

// Subscribe attaches a client to a job's event stream and acknowledges with a
// connected event. Every send into and close of a session channel happens
// under h.mu, so a terminal publish cannot close c.send between registration
// and the connected event.
func (h *Hub) Subscribe(jobID uuid.UUID, c *Client) {
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*Client]bool)
	}
	h.subs[jobID][c] = true
	total := len(h.subs[jobID])
	select {
	case c.send <- Message{Type: EventConnected, JobID: jobID.String()}:
	default:
	}
	h.mu.Unlock()

	slog.Debug("websocket subscriber attached", "job_id", jobID, "subscribers", total)
}

// Unsubscribe detaches a client. Safe to call for a client the hub has
// already dropped.
func (h *Hub) Unsubscribe(jobID uuid.UUID, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.subs[jobID]
	if !ok {
		return
	}
	if _, ok := clients[c]; ok {
		delete(clients, c)
		close(c.send)
	}
	if len(clients) == 0 {
		delete(h.subs, jobID)
	}
}

// PublishProgress streams a progress checkpoint to the job's subscribers.
func (h *Hub) PublishProgress(jobID uuid.UUID, status string, progress models.JobProgress) {
	h.publish(jobID, Message{
		Type:  EventProgress,
		JobID: jobID.String(),
		Data:  ProgressData{Status: status, Progress: progress},
	}, false)
}

// PublishError streams a failure message to the job's subscribers.
func (h *Hub) PublishError(jobID uuid.UUID, message string) {
	h.publish(jobID, Message{
		Type:  EventError,
		JobID: jobID.String(),
		Data:  ErrorData{Message: message},
	}, false)
}

// PublishComplete delivers the terminal event and closes the job's sessions.
// Nothing further is streamed once a job is terminal.
func (h *Hub) PublishComplete(jobID uuid.UUID, status string, result *models.JobResult) {
	h.publish(jobID, Message{
		Type:  EventComplete,
		JobID: jobID.String(),
		Data:  CompleteData{Status: status, Result: result},
	}, true)
}

func (h *Hub) publish(jobID uuid.UUID, msg Message, terminal bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.subs[jobID]
	for c := range clients {
		select {
		case c.send <- msg:
		default:
			// Slow consumer: drop the session rather than block the worker.
			delete(clients, c)
			close(c.send)
			slog.Warn("dropping slow websocket subscriber", "job_id", jobID)
		}
	}
	if terminal {
		for c := range clients {
			delete(clients, c)
			close(c.send)
		}
		delete(h.subs, jobID)
	}
}

// SubscriberCount returns the number of sessions attached to a job.
func (h *Hub) SubscriberCount(jobID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

// CloseAll tears down every session. Called during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	closed := 0
	for jobID, clients := range h.subs {
		for c := range clients {
			close(c.send)
			closed++
		}
		delete(h.subs, jobID)
	}
	if closed > 0 {
		slog.Info("closed websocket sessions", "count", closed)
	}
}
