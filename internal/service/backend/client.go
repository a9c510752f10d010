// Package backend is the REST client for the chat backend's auth, history and
// persistence endpoints.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/zhouzirui/vera/client/internal/model/chat"
)

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Status)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Body)
}

// Client 聊天后端 REST 客户端。
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for baseURL, e.g. "http://localhost:8000/api/v1".
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// LoginResponse is returned by the auth endpoint.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresAt   string `json:"expires_at"`
	ResearchID  string `json:"research_id,omitempty"`
}

// Login exchanges a research id for a bearer token.
func (c *Client) Login(ctx context.Context, researchID string) (LoginResponse, error) {
	var resp LoginResponse
	body := map[string]string{"research_id": researchID}
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", body, &resp); err != nil {
		return LoginResponse{}, fmt.Errorf("login: %w", err)
	}
	if resp.AccessToken == "" {
		return LoginResponse{}, errors.New("login: response carried no access token")
	}
	return resp, nil
}

// HistoryRequest selects a page of stored messages.
type HistoryRequest struct {
	ResearchID     string `json:"research_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Limit          int    `json:"limit"`
	Offset         int    `json:"offset,omitempty"`
}

// HistoryMessage is one stored message as the backend returns it.
type HistoryMessage struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp"`
	ModelUsed      string `json:"model_used,omitempty"`
	AudioURL       string `json:"audio_url,omitempty"`
}

// HistoryResponse is the history endpoint's body.
type HistoryResponse struct {
	Messages   []HistoryMessage `json:"messages"`
	Total      int              `json:"total"`
	ResearchID string           `json:"research_id"`
}

// History fetches prior messages for a conversation, oldest first. Messages
// with roles other than user and assistant are skipped. Failures wrap
// chat.ErrHistoryLoad.
func (c *Client) History(ctx context.Context, token string, req HistoryRequest) ([]chat.Message, error) {
	var resp HistoryResponse
	if err := c.do(ctx, http.MethodPost, "/chat/history", token, req, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", chat.ErrHistoryLoad, err)
	}

	messages := make([]chat.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		role := chat.Role(m.Role)
		if !role.Valid() {
			continue
		}
		messages = append(messages, chat.Message{
			ConversationID: m.ConversationID,
			Role:           role,
			Content:        m.Content,
			Timestamp:      m.Timestamp,
		})
	}
	return messages, nil
}

// SaveMessageRequest hands one externally produced message to persistence.
type SaveMessageRequest struct {
	ResearchID             string `json:"research_id"`
	ConversationID         string `json:"conversation_id,omitempty"`
	Role                   string `json:"role"`
	Content                string `json:"content"`
	Timestamp              string `json:"timestamp"`
	Provider               string `json:"provider"`
	ExternalConversationID string `json:"elevenlabs_conversation_id,omitempty"`
	ExternalMessageID      string `json:"elevenlabs_message_id,omitempty"`
}

// SaveMessage persists one message. Failures wrap chat.ErrPersistence.
func (c *Client) SaveMessage(ctx context.Context, token string, req SaveMessageRequest) error {
	if err := c.do(ctx, http.MethodPost, "/chat/save-message", token, req, nil); err != nil {
		return fmt.Errorf("%w: %w", chat.ErrPersistence, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
