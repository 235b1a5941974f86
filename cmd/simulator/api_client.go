package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dom/chat-relay/internal/api/handlers"
	"github.com/dom/chat-relay/internal/domain"
	"github.com/google/uuid"
)

// APIClient handles HTTP communication with the backend
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WebSocketURL returns the websocket endpoint for the given access token.
func (c *APIClient) WebSocketURL(token string) string {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws"
	return wsURL + "?token=" + url.QueryEscape(token)
}

// SignUp creates a throwaway account derived from baseName.
func (c *APIClient) SignUp(baseName string) (*handlers.AuthResponse, error) {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	username := baseName + suffix

	body := handlers.SignUpRequest{
		Username: username,
		Email:    username + "@simulator.local",
		Password: "simulator-password",
	}

	var result handlers.AuthResponse
	if err := c.do(http.MethodPost, "/auth/signup", body, "", http.StatusCreated, &result); err != nil {
		return nil, fmt.Errorf("signup: %w", err)
	}
	return &result, nil
}

// Login authenticates with a username or email.
func (c *APIClient) Login(identifier, password string) (*handlers.AuthResponse, error) {
	body := handlers.LoginRequest{Identifier: identifier, Password: password}

	var result handlers.AuthResponse
	if err := c.do(http.MethodPost, "/auth/login", body, "", http.StatusOK, &result); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return &result, nil
}

// CreateConversation opens a conversation between the caller and participants.
func (c *APIClient) CreateConversation(token string, participants []uuid.UUID) (*handlers.ConversationResponse, error) {
	ids := make([]string, len(participants))
	for i, id := range participants {
		ids[i] = id.String()
	}

	var result handlers.ConversationResponse
	err := c.do(http.MethodPost, "/conversations", handlers.CreateConversationRequest{ParticipantIDs: ids}, token, http.StatusCreated, &result)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &result, nil
}

// PostMessage routes a message without a websocket connection.
func (c *APIClient) PostMessage(token, conversationID, body string) (*domain.Message, error) {
	var msg domain.Message
	err := c.do(http.MethodPost, "/conversations/"+conversationID+"/messages", handlers.PostMessageRequest{Body: body}, token, http.StatusCreated, &msg)
	if err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	return &msg, nil
}

// History pages through a conversation after the given message id.
func (c *APIClient) History(token, conversationID, afterID string, limit int) ([]domain.Message, error) {
	query := url.Values{}
	if afterID != "" {
		query.Set("after", afterID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/conversations/" + conversationID + "/messages"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var messages []domain.Message
	if err := c.do(http.MethodGet, path, nil, token, http.StatusOK, &messages); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return messages, nil
}

// HTTP helpers

func (c *APIClient) do(method, path string, body any, token string, wantStatus int, out any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
