package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketConnection implements [Connection] over a gorilla/websocket
// connection, using one JSON-encoded [Message] per binary frame. Grounded
// on the read/write pump goroutines in bringyour-connect's transport.go:
// a single reader goroutine feeds an inbox channel, and Send serializes
// writes under a mutex since *websocket.Conn forbids concurrent writers.
type WebSocketConnection struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	inbox    chan Message
	readErr  chan error
	closeOnce sync.Once
}

// NewWebSocketConnection wraps conn and starts its read pump.
func NewWebSocketConnection(conn *websocket.Conn) *WebSocketConnection {
	c := &WebSocketConnection{
		conn:    conn,
		inbox:   make(chan Message, 16),
		readErr: make(chan error, 1),
	}
	go c.readPump()
	return c
}

func (c *WebSocketConnection) readPump() {
	defer close(c.inbox)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr <- err
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.readErr <- fmt.Errorf("replicate: decoding frame: %w", err)
			return
		}
		c.inbox <- msg
	}
}

func (c *WebSocketConnection) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("replicate: encoding frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WebSocketConnection) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg, ok := <-c.inbox:
		if !ok {
			select {
			case err := <-c.readErr:
				return Message{}, err
			default:
				return Message{}, fmt.Errorf("replicate: connection closed")
			}
		}
		return msg, nil
	}
}

func (c *WebSocketConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
