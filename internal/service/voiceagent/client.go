// Package voiceagent imports transcripts from the hosted voice-agent platform
// into the backend's persistence API.
package voiceagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/vera/client/internal/model/chat"
)

// Provider is the provider tag written with every imported message.
const Provider = "elevenlabs"

// Entry is one transcript line. Depending on the API version the text is in
// Message or Text, and Timestamp is epoch milliseconds or an ISO string.
type Entry struct {
	ID             string          `json:"id"`
	Role           string          `json:"role"`
	Message        string          `json:"message"`
	Text           string          `json:"text"`
	Timestamp      json.RawMessage `json:"timestamp,omitempty"`
	TimeInCallSecs float64         `json:"time_in_call_secs,omitempty"`
}

// Content returns the entry text.
func (e Entry) Content() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Text
}

// Time resolves the entry timestamp, falling back to fallback.
func (e Entry) Time(fallback time.Time) time.Time {
	raw := strings.TrimSpace(string(e.Timestamp))
	if raw == "" || raw == "null" {
		return fallback
	}

	var ms float64
	if err := json.Unmarshal(e.Timestamp, &ms); err == nil && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC()
	}
	var s string
	if err := json.Unmarshal(e.Timestamp, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

// ChatRole maps the platform role onto the transcript roles.
func (e Entry) ChatRole() chat.Role {
	if e.Role == "user" {
		return chat.RoleUser
	}
	return chat.RoleAssistant
}

// Conversation is the platform's conversation record.
type Conversation struct {
	ConversationID string  `json:"conversation_id"`
	AgentID        string  `json:"agent_id,omitempty"`
	Status         string  `json:"status,omitempty"`
	Transcript     []Entry `json:"transcript"`
}

// Client 语音代理平台客户端。
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client for baseURL, e.g. "https://api.elevenlabs.io".
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// Conversation fetches the transcript of a finished conversation.
func (c *Client) Conversation(ctx context.Context, conversationID string) (Conversation, error) {
	endpoint := c.baseURL + "/v1/convai/conversations/" + url.PathEscape(conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Conversation{}, err
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Conversation{}, fmt.Errorf("%w: fetch conversation: %v", chat.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Conversation{}, fmt.Errorf("%w: fetch conversation: status %d: %s", chat.ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var conv Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return Conversation{}, fmt.Errorf("%w: decode conversation: %v", chat.ErrUpstream, err)
	}
	if conv.ConversationID == "" {
		conv.ConversationID = conversationID
	}
	return conv, nil
}
