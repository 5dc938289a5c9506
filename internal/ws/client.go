package ws

import (
	"time"

	"github.com/gorilla/websocket"

	"chat-sync/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Client is one authenticated websocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	user models.UserRef
	info ConnInfo
	send chan []byte
}

func newClient(hub *Hub, conn *websocket.Conn, user models.UserRef, info ConnInfo) *Client {
	return &Client{hub: hub, conn: conn, user: user, info: info, send: make(chan []byte, sendBuffer)}
}

// readPump feeds decoded frames to handle until the connection fails.
func (c *Client) readPump(handle func(models.Envelope)) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := models.DecodeEnvelope(data)
		if err != nil {
			c.hub.SendTo(c, models.EventMutationRejected, models.MutationRejectedPayload{Reason: ReasonMalformed})
			continue
		}
		handle(env)
	}
}

// writePump drains the send queue and keeps the connection alive. It exits
// when the hub closes the queue or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
