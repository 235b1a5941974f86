package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dom/chat-relay/internal/websocket"
	gorillaWS "github.com/gorilla/websocket"
)

// ChatClient is one simulated participant holding a websocket connection.
type ChatClient struct {
	name string
	conn *gorillaWS.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	received []string
	joined   map[string]bool
	acks     int
	errors   []string

	changed chan struct{}
	done    chan struct{}
}

// DialChat connects a participant to the websocket endpoint.
func DialChat(name, wsURL string) (*ChatClient, error) {
	dialer := *gorillaWS.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, err
	}

	c := &ChatClient{
		name:    name,
		conn:    conn,
		joined:  make(map[string]bool),
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *ChatClient) readLoop() {
	defer close(c.done)
	for {
		var msg websocket.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		c.handle(&msg)
	}
}

func (c *ChatClient) handle(msg *websocket.Message) {
	c.mu.Lock()
	switch msg.Type {
	case websocket.MessageTypeJoined:
		var p websocket.JoinedPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			c.joined[p.ConversationID] = true
		}
	case websocket.MessageTypeMessage:
		var p websocket.MessagePayload
		if json.Unmarshal(msg.Payload, &p) == nil && p.Message != nil {
			c.received = append(c.received, p.Message.ID)
		}
	case websocket.MessageTypeSent:
		c.acks++
	case websocket.MessageTypeError:
		var p websocket.ErrorPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			c.errors = append(c.errors, fmt.Sprintf("%s: %s", p.Kind, p.Message))
		}
	}
	c.mu.Unlock()

	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *ChatClient) write(msgType websocket.MessageType, payload any) error {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Join subscribes the connection to a conversation.
func (c *ChatClient) Join(conversationID string) error {
	return c.write(websocket.MessageTypeJoin, websocket.JoinPayload{ConversationID: conversationID})
}

// Send routes a message through the websocket.
func (c *ChatClient) Send(conversationID, body, clientRef string) error {
	return c.write(websocket.MessageTypeSend, websocket.SendPayload{
		ConversationID: conversationID,
		Body:           body,
		ClientRef:      clientRef,
	})
}

// WaitFor blocks until cond holds or the timeout expires.
func (c *ChatClient) WaitFor(timeout time.Duration, cond func(*ChatClient) bool) bool {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		ok := cond(c)
		c.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-c.changed:
		case <-c.done:
			c.mu.Lock()
			defer c.mu.Unlock()
			return cond(c)
		case <-deadline:
			return false
		}
	}
}

// Snapshot returns the delivered message ids in arrival order and the errors seen.
func (c *ChatClient) Snapshot() (received []string, acks int, errs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.received...), c.acks, append([]string(nil), c.errors...)
}

func (c *ChatClient) Close() {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(gorillaWS.CloseMessage,
		gorillaWS.FormatCloseMessage(gorillaWS.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
	<-c.done
}
