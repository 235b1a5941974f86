package testutil

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dom/chat-relay/internal/websocket"
	gorillaWS "github.com/gorilla/websocket"
)

// WSClient is a test WebSocket client
type WSClient struct {
	t        *testing.T
	conn     *gorillaWS.Conn
	messages chan *websocket.Message
	errors   chan error
	done     chan struct{}
	mu       sync.Mutex
}

// DialWS performs the handshake and returns the raw connection and response.
// Use it to assert on rejected handshakes.
func DialWS(url string, header http.Header) (*gorillaWS.Conn, *http.Response, error) {
	dialer := *gorillaWS.DefaultDialer
	dialer.HandshakeTimeout = 5 * time.Second
	return dialer.Dial(url, header)
}

// NewWSClient creates a new WebSocket test client
func NewWSClient(t *testing.T, url string, header http.Header) *WSClient {
	t.Helper()

	conn, _, err := DialWS(url, header)
	if err != nil {
		t.Fatalf("failed to connect to websocket: %v", err)
	}

	client := &WSClient{
		t:        t,
		conn:     conn,
		messages: make(chan *websocket.Message, 100),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}

	go client.readPump()

	t.Cleanup(func() {
		client.Close()
	})

	return client
}

// readPump reads messages from the WebSocket connection
func (c *WSClient) readPump() {
	defer close(c.messages)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			case c.errors <- err:
			default:
			}
			return
		}

		var msg websocket.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		select {
		case c.messages <- &msg:
		case <-c.done:
			return
		}
	}
}

// Close closes the WebSocket connection gracefully
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
		c.conn.WriteMessage(gorillaWS.CloseMessage, gorillaWS.FormatCloseMessage(gorillaWS.CloseNormalClosure, ""))
		c.conn.Close()
	}
}

func (c *WSClient) send(msgType websocket.MessageType, payload any) {
	c.t.Helper()

	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		c.t.Fatalf("failed to build message: %v", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("failed to marshal message: %v", err)
	}

	c.mu.Lock()
	err = c.conn.WriteMessage(gorillaWS.TextMessage, data)
	c.mu.Unlock()

	if err != nil {
		c.t.Fatalf("failed to send %s: %v", msgType, err)
	}
}

// Join sends a JOIN event
func (c *WSClient) Join(conversationID string) {
	c.send(websocket.MessageTypeJoin, websocket.JoinPayload{ConversationID: conversationID})
}

// Leave sends a LEAVE event
func (c *WSClient) Leave(conversationID string) {
	c.send(websocket.MessageTypeLeave, websocket.LeavePayload{ConversationID: conversationID})
}

// Send sends a SEND event
func (c *WSClient) Send(conversationID, body, clientRef string) {
	c.send(websocket.MessageTypeSend, websocket.SendPayload{
		ConversationID: conversationID,
		Body:           body,
		ClientRef:      clientRef,
	})
}

// ExpectMessage waits for a message of the specified type, skipping others
func (c *WSClient) ExpectMessage(msgType websocket.MessageType, timeout time.Duration) *websocket.Message {
	c.t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.messages:
			if msg == nil {
				c.t.Fatalf("connection closed while waiting for %s", msgType)
			}
			if msg.Type == msgType {
				return msg
			}
		case err := <-c.errors:
			c.t.Fatalf("error while waiting for %s: %v", msgType, err)
		case <-deadline:
			c.t.Fatalf("timeout waiting for message type %s", msgType)
		}
	}
}

// ExpectJoined waits for a JOINED acknowledgement
func (c *WSClient) ExpectJoined(timeout time.Duration) *websocket.JoinedPayload {
	c.t.Helper()

	var payload websocket.JoinedPayload
	c.decode(c.ExpectMessage(websocket.MessageTypeJoined, timeout), &payload)
	return &payload
}

// ExpectRouted waits for and decodes a MESSAGE frame
func (c *WSClient) ExpectRouted(timeout time.Duration) *websocket.MessagePayload {
	c.t.Helper()

	var payload websocket.MessagePayload
	c.decode(c.ExpectMessage(websocket.MessageTypeMessage, timeout), &payload)
	return &payload
}

// ExpectSent waits for and decodes a SENT acknowledgement
func (c *WSClient) ExpectSent(timeout time.Duration) *websocket.SentPayload {
	c.t.Helper()

	var payload websocket.SentPayload
	c.decode(c.ExpectMessage(websocket.MessageTypeSent, timeout), &payload)
	return &payload
}

// ExpectPresence waits for and decodes a PRESENCE frame
func (c *WSClient) ExpectPresence(timeout time.Duration) *websocket.PresencePayload {
	c.t.Helper()

	var payload websocket.PresencePayload
	c.decode(c.ExpectMessage(websocket.MessageTypePresence, timeout), &payload)
	return &payload
}

// ExpectError waits for and decodes an ERROR frame
func (c *WSClient) ExpectError(timeout time.Duration) *websocket.ErrorPayload {
	c.t.Helper()

	var payload websocket.ErrorPayload
	c.decode(c.ExpectMessage(websocket.MessageTypeError, timeout), &payload)
	return &payload
}

// ExpectNoMessage verifies no message of msgType arrives within timeout
func (c *WSClient) ExpectNoMessage(msgType websocket.MessageType, timeout time.Duration) {
	c.t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.messages:
			if msg != nil && msg.Type == msgType {
				c.t.Fatalf("unexpected message received: %s", msg.Type)
			}
			if msg == nil {
				return
			}
		case <-deadline:
			return
		}
	}
}

// ExpectClosed waits for the server to close the connection
func (c *WSClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.messages:
			if msg == nil {
				return
			}
		case <-c.errors:
			return
		case <-deadline:
			c.t.Fatalf("timeout waiting for the connection to close")
		}
	}
}

func (c *WSClient) decode(msg *websocket.Message, v any) {
	c.t.Helper()
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		c.t.Fatalf("failed to decode %s payload: %v", msg.Type, err)
	}
}
