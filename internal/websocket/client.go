package websocket

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

type Client struct {
	ID       string
	LessonID string
	UserID   int64
	UserName string
	Role     string
	Conn     *websocket.Conn
	Manager  *Manager
	Send     chan []byte
}

func NewClient(id, lessonID string, userID int64, userName, role string, conn *websocket.Conn, manager *Manager) *Client {
	return &Client{
		ID:       id,
		LessonID: lessonID,
		UserID:   userID,
		UserName: userName,
		Role:     role,
		Conn:     conn,
		Manager:  manager,
		Send:     make(chan []byte, 256),
	}
}

// ReadPump decodes envelopes and hands them to the message handler one at a
// time, so events from a single connection are handled in arrival order.
func (c *Client) ReadPump() {
	defer func() {
		c.Manager.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WebSocket] read error on %s: %v", c.ID, err)
			}
			break
		}
		// Any inbound frame proves the peer is alive.
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.Manager.SendError(c.ID, "", "malformed_envelope", "message must be a JSON object with a type")
			continue
		}

		if c.Manager.messageHandler == nil {
			continue
		}
		if err := c.Manager.messageHandler.HandleWebSocketMessage(c, &msg); err != nil {
			log.Printf("[WebSocket] error handling %s from %s: %v", msg.Type, c.ID, err)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Manager.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per message; clients parse each frame as a single
			// JSON envelope.
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
