// Package transport implements the Transport collaborator of spec.md §6.5 —
// send(recipient, [(deviceId, payloadBase64)]) → [transportId] — over
// persistent WebSocket connections. Grounded on the teacher's
// internal/websocket/hub.go (register/unregister channels, per-user client
// map, graceful Shutdown) using github.com/gorilla/websocket, trimmed of the
// multi-server relay/audit/rate-limit machinery that has no ratchet referent.
package transport

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jaydenbeard/zina-ratchet/internal/errs"
)

// TransportID packs the fields spec.md §4.7 step 6 describes: the upper 60
// bits identify the delivery, the lower 4 bits carry the message type tag.
type TransportID uint64

func newTransportID(seq uint64, msgTypeTag byte) TransportID {
	return TransportID(seq<<4 | uint64(msgTypeTag&0x0f))
}

// Device is one addressed recipient device plus its base64-framed payload.
type Device struct {
	DeviceID    string
	PayloadB64  string
	MsgTypeTag  byte
}

// Client is one registered device connection.
type Client struct {
	userID   string
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Printf("[Transport] write to %s/%s failed: %v", c.userID, c.deviceID, err)
			return
		}
	}
}

func (c *Client) readPump() {
	defer c.hub.unregister(c)
	c.conn.SetReadLimit(64 * 1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub tracks registered device connections and fans payloads out to them,
// mirroring the teacher's Hub shape without the multi-server Redis relay.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[string]*Client // userID -> deviceID -> client

	upgrader  websocket.Upgrader
	authToken string
	seq       uint64
	seqMu     sync.Mutex

	shutdown chan struct{}
}

// NewHub constructs a Hub that requires authToken on every WebSocket upgrade.
// An empty authToken disables the check, for local development.
func NewHub(authToken string) *Hub {
	return &Hub{
		clients:   make(map[string]map[string]*Client),
		authToken: authToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header, falling back to a "token" query parameter for WebSocket clients
// that can't set custom headers on the upgrade request.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ServeWS upgrades an inbound HTTP request to a WebSocket connection for
// (userID, deviceID) and registers it for delivery. If the Hub was
// constructed with a non-empty authToken, the request must present a
// matching bearer token before the upgrade is attempted.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID, deviceID string) error {
	if h.authToken != "" {
		presented := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.authToken)) != 1 {
			return errs.New(errs.AuthFailed, "transport: invalid or missing bearer token")
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return errs.Wrap(errs.NetworkError, "transport: upgrade", err)
	}
	c := &Client{userID: userID, deviceID: deviceID, conn: conn, send: make(chan []byte, 64), hub: h}
	h.register(c)
	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[string]*Client)
	}
	h.clients[c.userID][c.deviceID] = c
	log.Printf("[Transport] registered %s/%s", c.userID, c.deviceID)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if devices, ok := h.clients[c.userID]; ok {
		if devices[c.deviceID] == c {
			close(c.send)
			delete(devices, c.deviceID)
		}
		if len(devices) == 0 {
			delete(h.clients, c.userID)
		}
	}
}

// Send implements the Transport collaborator: it hands each device's framed
// payload to its live connection if one exists, and returns a per-device
// transport id regardless, so the send pipeline can track delivery state.
// A device with no live connection is reported via NETWORK_ERROR; the send
// pipeline's run queue (C11) leaves the item queued for the next sweep.
func (h *Hub) Send(ctx context.Context, recipient string, devices []Device) ([]TransportID, error) {
	h.mu.RLock()
	conns := h.clients[recipient]
	h.mu.RUnlock()

	ids := make([]TransportID, len(devices))
	var firstErr error
	for i, d := range devices {
		h.seqMu.Lock()
		h.seq++
		seq := h.seq
		h.seqMu.Unlock()
		ids[i] = newTransportID(seq, d.MsgTypeTag)

		client, ok := conns[d.DeviceID]
		if !ok {
			if firstErr == nil {
				firstErr = errs.New(errs.NetworkError, "transport: no live connection for device")
			}
			continue
		}
		select {
		case client.send <- []byte(d.PayloadB64):
		case <-time.After(2 * time.Second):
			if firstErr == nil {
				firstErr = errs.New(errs.NetworkError, "transport: send timed out")
			}
		}
	}
	return ids, firstErr
}

// Shutdown closes all registered connections.
func (h *Hub) Shutdown() {
	close(h.shutdown)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, devices := range h.clients {
		for _, c := range devices {
			c.conn.Close()
		}
	}
}
