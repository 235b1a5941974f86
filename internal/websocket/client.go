package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/ratelimit"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Client pumps frames between one websocket connection and its Session.
type Client struct {
	conn       *websocket.Conn
	session    *Session
	registry   *Registry
	router     *Router
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	clientKey  string
	diagnostic bool
}

type ClientConfig struct {
	Registry *Registry
	Router   *Router
	Logger   *slog.Logger

	// Limiter may be nil to disable per-event limiting.
	Limiter *ratelimit.Limiter

	// ClientKey is the address events are rate limited under.
	ClientKey string

	Diagnostic bool
}

func NewClient(conn *websocket.Conn, session *Session, cfg ClientConfig) *Client {
	return &Client{
		conn:       conn,
		session:    session,
		registry:   cfg.Registry,
		router:     cfg.Router,
		limiter:    cfg.Limiter,
		clientKey:  cfg.ClientKey,
		diagnostic: cfg.Diagnostic,
		logger: cfg.Logger.With(
			"session_id", session.ID.String(),
			"user_id", session.UserID.String()),
	}
}

// ReadPump handles inbound frames until the connection closes, then
// disconnects the session.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.registry.Disconnect(c.session.ID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(domain.NewInvalidRequest("invalid message envelope"))
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// WritePump writes queued frames and keeps the connection alive with pings.
// It hangs up once the session's outbox is closed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	outbox := c.session.Outbox()
	for {
		select {
		case frame, ok := <-outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *Message) {
	if c.limiter != nil {
		if err := c.limiter.Allow(c.clientKey); err != nil {
			c.sendError(err)
			return
		}
	}

	switch msg.Type {
	case MessageTypeJoin:
		var payload JoinPayload
		if !c.decode(msg, &payload) {
			return
		}
		conversationID, ok := c.conversationID(payload.ConversationID)
		if !ok {
			return
		}
		if err := c.router.Join(ctx, c.session, conversationID); err != nil {
			c.sendError(err)
			return
		}
		c.send(MessageTypeJoined, JoinedPayload{ConversationID: payload.ConversationID})

	case MessageTypeLeave:
		var payload LeavePayload
		if !c.decode(msg, &payload) {
			return
		}
		if conversationID, ok := c.conversationID(payload.ConversationID); ok {
			c.router.Leave(c.session, conversationID)
		}

	case MessageTypeSend:
		var payload SendPayload
		if !c.decode(msg, &payload) {
			return
		}
		conversationID, ok := c.conversationID(payload.ConversationID)
		if !ok {
			return
		}
		routed, err := c.router.Route(ctx, domain.OutboundMessage{
			ConversationID: conversationID,
			SenderID:       c.session.UserID,
			Body:           payload.Body,
		})
		if err != nil {
			c.sendError(err)
			return
		}
		c.send(MessageTypeSent, SentPayload{ClientRef: payload.ClientRef, MessageID: routed.ID})

	default:
		c.sendError(domain.NewInvalidRequest("unknown message type " + string(msg.Type)))
	}
}

// decode unmarshals and validates a payload, replying with an error frame
// on failure.
func (c *Client) decode(msg *Message, payload any) bool {
	if err := json.Unmarshal(msg.Payload, payload); err != nil {
		c.sendError(domain.NewInvalidRequest("invalid " + string(msg.Type) + " payload"))
		return false
	}
	if err := validate.Struct(payload); err != nil {
		c.sendError(domain.NewInvalidRequest("invalid " + string(msg.Type) + " payload"))
		return false
	}
	return true
}

func (c *Client) conversationID(raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		c.sendError(domain.NewInvalidRequest("invalid conversation id"))
		return uuid.Nil, false
	}
	return id, true
}

func (c *Client) sendError(err error) {
	kind := domain.KindOf(err)
	if kind == domain.KindInternal {
		c.logger.Error("websocket event failed", "error", err)
	}
	c.send(MessageTypeError, ErrorPayload{
		Kind:    kind,
		Message: domain.PublicMessage(err, c.diagnostic),
	})
}

func (c *Client) send(msgType MessageType, payload any) {
	frame, err := encodeFrame(msgType, payload)
	if err != nil {
		c.logger.Error("failed to encode frame", "type", string(msgType), "error", err)
		return
	}
	c.session.Deliver(frame)
}
