package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
)

const (
	streamSendBuffer = 64
	streamWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamHub fans committed entries out to websocket subscribers. A single
// goroutine owns the subscriber set; slow subscribers are dropped.
type StreamHub struct {
	subscribers map[*subscriber]bool

	broadcastCh  chan []byte
	registerCh   chan *subscriber
	unregisterCh chan *subscriber

	mu      sync.Mutex
	stopped bool
	logger  *zap.Logger
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// NewStreamHub creates a StreamHub. Call Run before serving clients.
func NewStreamHub(logger *zap.Logger) *StreamHub {
	return &StreamHub{
		subscribers:  make(map[*subscriber]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *subscriber),
		unregisterCh: make(chan *subscriber),
		logger:       logger,
	}
}

// Run is the hub loop. It returns when ctx is done and closes every
// subscriber.
func (h *StreamHub) Run(ctx context.Context) {
	for {
		select {
		case sub := <-h.registerCh:
			h.subscribers[sub] = true
			h.logger.Debug("stream subscriber connected", zap.Int("total", len(h.subscribers)))

		case sub := <-h.unregisterCh:
			h.drop(sub)

		case msg := <-h.broadcastCh:
			for sub := range h.subscribers {
				select {
				case sub.send <- msg:
				default:
					h.drop(sub)
				}
			}

		case <-ctx.Done():
			h.mu.Lock()
			h.stopped = true
			h.mu.Unlock()
			for sub := range h.subscribers {
				h.drop(sub)
			}
			return
		}
	}
}

func (h *StreamHub) drop(sub *subscriber) {
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.send)
		h.logger.Debug("stream subscriber disconnected", zap.Int("total", len(h.subscribers)))
	}
}

// Publish queues e for every subscriber. It never blocks; when the hub is
// backed up the entry is dropped from the live feed, which is best-effort.
// Suitable as an ingest.Writer commit observer.
func (h *StreamHub) Publish(e *ledger.Entry) {
	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("stream: marshal entry", zap.Uint64("seq", e.SequenceNumber), zap.Error(err))
		return
	}
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// Serve handles GET /ledger/stream by upgrading to a websocket.
func (h *StreamHub) Serve(c *gin.Context) {
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream closed"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("stream: websocket upgrade failed", zap.Error(err))
		return
	}
	sub := &subscriber{conn: conn, send: make(chan []byte, streamSendBuffer)}

	select {
	case h.registerCh <- sub:
	case <-time.After(time.Second):
		conn.Close()
		return
	}

	go sub.writePump()
	go sub.readPump(h)
}

func (s *subscriber) writePump() {
	defer s.conn.Close()
	for msg := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait)) //nolint:errcheck
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	s.conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump only detects disconnection; the feed is server to client.
func (s *subscriber) readPump(h *StreamHub) {
	defer s.conn.Close()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if !stopped {
		select {
		case h.unregisterCh <- s:
		case <-time.After(time.Second):
		}
	}
}
