package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/orrn/printqueue/internal/core"
	"github.com/orrn/printqueue/internal/events"
	"github.com/orrn/printqueue/internal/jobs"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
	sendBuffer     = 256
)

// StreamMessage is one frame on the event stream. The first frame after
// connecting has kind "snapshot" and carries the queue status; its Seq is that
// of the last event the status reflects.
type StreamMessage struct {
	Seq       uint64            `json:"seq"`
	Kind      events.Kind       `json:"kind"`
	Timestamp int64             `json:"timestamp"`
	Job       *jobs.PrintJob    `json:"job,omitempty"`
	Status    *core.QueueStatus `json:"status,omitempty"`
}

const SnapshotKind events.Kind = "snapshot"

type EventsHandler struct {
	service  *core.Service
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventsHandler accepts websocket upgrades from the given origins. An empty
// list or "*" accepts any origin.
func NewEventsHandler(service *core.Service, allowedOrigins []string, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.With("component", "events"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
			return true
		}
		return false
	}
}

// streamConn is a middleman between the websocket connection and the bus.
type streamConn struct {
	mu     sync.Mutex // held until the snapshot frame is queued
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger
}

// Stream upgrades the request and pushes every queue event to the client until
// it disconnects. Slow clients drop events instead of blocking the queue.
func (h *EventsHandler) Stream(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := &streamConn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: h.logger,
	}

	conn.mu.Lock()
	st, seq, unsubscribe := h.service.Watch(func(evt events.Event) {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		conn.enqueue(StreamMessage{Seq: evt.Seq, Kind: evt.Kind, Timestamp: evt.Timestamp, Job: evt.Job})
	})
	conn.enqueue(StreamMessage{Seq: seq, Kind: SnapshotKind, Timestamp: jobs.NowMillis(), Status: &st})
	conn.mu.Unlock()

	h.logger.Debug("event stream opened", "remote", c.ClientIP())
	go conn.writePump()
	conn.readPump()

	unsubscribe()
	close(conn.done)
	h.logger.Debug("event stream closed", "remote", c.ClientIP())
}

func (c *streamConn) enqueue(msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to encode stream message", "kind", msg.Kind, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("stream client too slow, dropping event", "kind", msg.Kind)
	}
}

// readPump discards client messages and returns when the peer goes away.
func (c *streamConn) readPump() {
	defer c.ws.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("event stream read error", "error", err)
			}
			return
		}
	}
}

func (c *streamConn) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

func (c *streamConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

func (h *EventsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.Stream)
}
