// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/fleetpulse/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// clientIDCounter hands out increasing ids so broadcasts visit clients in
// a stable order.
var clientIDCounter atomic.Uint64

// Client is a middleman between the websocket connection and the hub
type Client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan Message
	pong chan struct{}

	filterMu sync.RWMutex
	filter   map[string]struct{}
}

// inboundMessage is a command sent by a client.
type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SubscribeData selects the vehicles a client wants updates for.
type SubscribeData struct {
	EntityIDs []string `json:"entity_ids"`
}

// NewClient creates a new Client with a unique id.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		hub:  hub,
		conn: conn,
		send: make(chan Message, 256),
		pong: make(chan struct{}, 1),
	}
}

// ID returns the client's unique identifier
func (c *Client) ID() uint64 {
	return c.id
}

// Subscribe limits the client to the given vehicles. An empty list clears
// the filter.
func (c *Client) Subscribe(entityIDs []string) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	if len(entityIDs) == 0 {
		c.filter = nil
		return
	}
	c.filter = make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		c.filter[id] = struct{}{}
	}
}

// wants reports whether a message scoped to entityID goes to this client.
func (c *Client) wants(entityID string) bool {
	if entityID == "" {
		return true
	}
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	if c.filter == nil {
		return true
	}
	_, ok := c.filter[entityID]
	return ok
}

// handle applies one client command.
func (c *Client) handle(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logging.Debug().Err(err).Uint64("client_id", c.id).Msg("ignoring malformed websocket message")
		return
	}

	switch msg.Type {
	case MessageTypePing:
		select {
		case c.pong <- struct{}{}:
		default:
		}
	case MessageTypeSubscribe:
		var data SubscribeData
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				logging.Debug().Err(err).Uint64("client_id", c.id).Msg("ignoring malformed subscribe message")
				return
			}
		}
		c.Subscribe(data.EntityIDs)
		logging.Debug().Uint64("client_id", c.id).Int("entities", len(data.EntityIDs)).Msg("websocket client subscribed")
	case MessageTypeUnsubscribe:
		c.Subscribe(nil)
	}
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.Unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Msg("unexpected websocket close error")
			}
			return
		}
		c.handle(raw)
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// The hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := MarshalMessage(message)
			if err != nil {
				logging.Error().Err(err).Str("type", message.Type).Msg("failed to encode websocket message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Debug().Err(err).Msg("failed to write websocket message")
				return
			}

		case <-c.pong:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for pong")
				return
			}
			data, err := MarshalMessage(Message{Type: MessageTypePong})
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins reading and writing for the client
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
