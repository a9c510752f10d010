// Package stream defines the wire envelopes exchanged with the chat backend
// over the streaming link.
package stream

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/zhouzirui/vera/client/internal/model/chat"
)

// Kind 入站消息类型。
type Kind string

const (
	KindUserMessageSaved Kind = "user_message_saved"
	KindChunk            Kind = "chunk"
	KindComplete         Kind = "complete"
	KindAudio            Kind = "audio"
	KindError            Kind = "error"
)

// DefaultModel is the model requested when none is configured.
const DefaultModel = "gpt-4o"

// Envelope is one inbound frame. Only the fields relevant to Type are set.
type Envelope struct {
	Type           Kind   `json:"type"`
	Content        string `json:"content,omitempty"`
	FullResponse   string `json:"full_response,omitempty"`
	AudioBase64    string `json:"audio_base64,omitempty"`
	AudioURL       string `json:"audio_url,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Request is the outbound frame carrying one user utterance.
type Request struct {
	Token          string `json:"token"`
	ResearchID     string `json:"research_id"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Model          string `json:"model"`
}

// DecodeEnvelope parses a raw frame. The backend sends validation failures as
// a bare {"error": "..."} object, which is normalized to KindError.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode envelope: %v", chat.ErrProtocolViolation, err)
	}
	if env.Type == "" {
		if env.Error == "" {
			return Envelope{}, fmt.Errorf("%w: envelope without type", chat.ErrProtocolViolation)
		}
		env.Type = KindError
	}
	return env, nil
}

// EncodeRequest serializes an outbound request.
func EncodeRequest(req Request) ([]byte, error) {
	return sonic.Marshal(req)
}

// EncodeEnvelope serializes an inbound-shaped envelope, used by protocol peers.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	return sonic.Marshal(env)
}

// DecodeRequest parses an outbound request frame, used by protocol peers.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := sonic.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: decode request: %v", chat.ErrProtocolViolation, err)
	}
	return req, nil
}

// DecodeAudio returns the raw audio bytes carried by an audio envelope.
func (e Envelope) DecodeAudio() ([]byte, error) {
	raw := strings.TrimSpace(e.AudioBase64)
	if raw == "" {
		return nil, fmt.Errorf("%w: audio envelope without payload", chat.ErrProtocolViolation)
	}
	if idx := strings.Index(raw, ";base64,"); idx >= 0 {
		raw = raw[idx+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode audio: %v", chat.ErrProtocolViolation, err)
	}
	return data, nil
}
