// Package push implements the push-notification transport: a minimal
// WebSocket fan-out server that frames TopicKeyMessage/Topic/Update/
// Receipt records in the same [type][length][msgpack] envelope a Device's
// ReceiveFromPush expects.
// Delivery plumbing (retries, offline queuing beyond device/messages,
// acks) is out of scope; this package only owns getting a framed envelope
// from the server process to a connected device socket.
package push

import (
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rendezvous-labs/rendezvous/pkg/keys"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = protocol.MaxPayloadSize + protocol.HeaderSize
	sendBuffer     = 64
)

var errSendBufferFull = errors.New("push: device send buffer full")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks the currently connected devices and fans out framed envelopes
// to whichever one of them is online. A device with no open connection
// simply receives nothing here; it catches up through device/messages on
// its next poll.
type Hub struct {
	mu      sync.RWMutex
	clients map[keys.SigningPublicKey]*client
	logger  zerolog.Logger
}

type client struct {
	connID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[keys.SigningPublicKey]*client),
		logger:  logger.With().Str("component", "push-hub").Logger(),
	}
}

// Handler upgrades the request to a WebSocket and registers the connection
// under the device key carried by the "device" query parameter (base64url
// of a 32-byte signing public key, matching the wire header used by the
// HTTP endpoints).
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := base64.URLEncoding.DecodeString(r.URL.Query().Get("device"))
		if err != nil {
			http.Error(w, "invalid device parameter", http.StatusBadRequest)
			return
		}
		deviceKey, ok := keys.SigningPublicKeyFromBytes(raw)
		if !ok {
			http.Error(w, "invalid device key", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}

		h.serve(deviceKey, conn)
	}
}

func (h *Hub) serve(deviceKey keys.SigningPublicKey, conn *websocket.Conn) {
	c := &client{connID: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if old, ok := h.clients[deviceKey]; ok {
		old.close()
	}
	h.clients[deviceKey] = c
	h.mu.Unlock()

	h.logger.Info().
		Str("device", base64.URLEncoding.EncodeToString(deviceKey[:])).
		Str("conn_id", c.connID).
		Msg("device connected")

	go h.writePump(c)
	h.readPump(deviceKey, c)
}

func (h *Hub) readPump(deviceKey keys.SigningPublicKey, c *client) {
	defer func() {
		h.mu.Lock()
		if h.clients[deviceKey] == c {
			delete(h.clients, deviceKey)
		}
		h.mu.Unlock()
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("conn_id", c.connID).Msg("push connection read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Send frames v under msgType and delivers it to deviceKey if currently
// connected. A disconnected device is not an error: the caller (the
// reference server's handlers) is expected to have already durably queued
// the record for device/messages via the repository.
func (h *Hub) Send(deviceKey keys.SigningPublicKey, msgType protocol.MessageType, v interface{}) error {
	framed, err := protocol.Encode(msgType, v)
	if err != nil {
		return err
	}

	h.mu.RLock()
	c, ok := h.clients[deviceKey]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	select {
	case c.send <- framed:
		return nil
	default:
		return errSendBufferFull
	}
}

// Connected reports whether deviceKey currently has an open push connection.
func (h *Hub) Connected(deviceKey keys.SigningPublicKey) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[deviceKey]
	return ok
}

// ConnectionCount returns the number of currently connected devices, for
// the observability.Metrics push-connections gauge.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
