// Package hub is the fan-out broadcast engine. It owns one buffered outbound
// queue and one writer goroutine per attached connection, so a slow consumer
// can never stall a publisher.
package hub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nmxmxh/marketgate/internal/metrics"
	"github.com/nmxmxh/marketgate/internal/wire"
)

// Conn is the transport-facing side of a connection. Implemented by the
// gorilla adapter in the server package and by fakes in tests.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// SessionIndex is the slice of the registry the hub needs.
type SessionIndex interface {
	Subscribers(channel string) []string
	Disconnect(connID string)
}

const defaultSendBuffer = 256

type connection struct {
	id       string
	conn     Conn
	send     chan []byte
	quit     chan struct{}
	quitOnce sync.Once
}

func (c *connection) stop() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// Hub delivers messages to attached connections.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*connection
	sessions SessionIndex
	log      *zap.Logger
	buffer   int
}

// New creates a hub backed by the given session index.
func New(sessions SessionIndex, log *zap.Logger) *Hub {
	return &Hub{
		conns:    make(map[string]*connection),
		sessions: sessions,
		log:      log,
		buffer:   defaultSendBuffer,
	}
}

// Attach registers a transport under the connection id and starts its writer.
func (h *Hub) Attach(connID string, conn Conn) {
	c := &connection{
		id:   connID,
		conn: conn,
		send: make(chan []byte, h.buffer),
		quit: make(chan struct{}),
	}

	h.mu.Lock()
	old, replaced := h.conns[connID]
	h.conns[connID] = c
	h.mu.Unlock()

	if replaced {
		// The old pump stops and closes its transport; the id keeps its one
		// slot in the gauge.
		old.stop()
	} else {
		metrics.ActiveConnections.Inc()
	}
	go h.writePump(c)
}

// writePump drains the outbound queue onto the transport. A write error marks
// the connection dead and removes it; it never propagates to publishers.
func (h *Hub) writePump(c *connection) {
	defer c.conn.Close()
	for {
		select {
		case <-c.quit:
			return
		case msg := <-c.send:
			if err := c.conn.WriteMessage(msg); err != nil {
				if h.log != nil {
					h.log.Warn("write failed, removing connection",
						zap.String("conn_id", c.id), zap.Error(err))
				}
				h.Detach(c.id)
				return
			}
		}
	}
}

// Detach removes the connection from the hub and the session index. Safe to
// call from any goroutine, any number of times.
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	c.stop()
	h.sessions.Disconnect(connID)
	metrics.ActiveConnections.Dec()
}

// Send delivers one message to one connection, best effort. A missing or dead
// connection is not an error for the caller.
func (h *Hub) Send(connID string, env *wire.Envelope) {
	raw, err := env.Encode()
	if err != nil {
		if h.log != nil {
			h.log.Error("failed to encode outbound message", zap.Error(err))
		}
		return
	}
	h.deliver(connID, raw)
}

// Broadcast delivers the message to every current subscriber of the channel.
// Sends are independent: one failed or slow consumer never blocks the rest.
// Per-channel publish order is preserved by the sequential iteration here and
// the FIFO queue per connection.
func (h *Hub) Broadcast(channel string, env *wire.Envelope) {
	raw, err := env.Encode()
	if err != nil {
		if h.log != nil {
			h.log.Error("failed to encode broadcast", zap.String("channel", channel), zap.Error(err))
		}
		return
	}
	metrics.BroadcastsSent.WithLabelValues(channel).Inc()
	for _, connID := range h.sessions.Subscribers(channel) {
		h.deliver(connID, raw)
	}
}

// deliver enqueues the frame without blocking. A full queue means the consumer
// cannot keep up; it is disconnected rather than allowed to stall publishers.
func (h *Hub) deliver(connID string, raw []byte) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		// Subscriber list can lag behind a disconnect; nothing to do.
		return
	}

	select {
	case c.send <- raw:
	default:
		metrics.DroppedFrames.Inc()
		if h.log != nil {
			h.log.Warn("send buffer full, disconnecting slow consumer",
				zap.String("conn_id", connID))
		}
		h.Detach(connID)
	}
}

// Len returns the number of attached connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
