package devbackend

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/vera/client/internal/config"
)

// Synthesizer renders a finished reply as audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// OpenAISpeech 使用 OpenAI 语音接口合成回复音频。
type OpenAISpeech struct {
	api   *openai.Client
	model openai.SpeechModel
	voice openai.SpeechVoice
}

// NewOpenAISpeech creates a synthesizer from the OpenAI settings.
func NewOpenAISpeech(cfg config.OpenAIConfig) (*OpenAISpeech, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required for speech synthesis")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAISpeech{
		api:   openai.NewClientWithConfig(clientCfg),
		model: openai.SpeechModel(cfg.SpeechModel),
		voice: openai.SpeechVoice(cfg.Voice),
	}, nil
}

// Synthesize returns mp3 audio for text.
func (s *OpenAISpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := s.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read speech: %w", err)
	}
	return audio, nil
}

// NewSynthesizer returns the synthesizer for the configured provider, or nil
// when replies are sent as text only. Only the openai provider speaks.
func NewSynthesizer(cfg *config.DevBackendConfig) (Synthesizer, error) {
	if cfg.Provider != "openai" || !cfg.OpenAI.Speech {
		return nil, nil
	}
	s, err := NewOpenAISpeech(cfg.OpenAI)
	if err != nil {
		return nil, err
	}
	return s, nil
}
