package devbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/vera/client/internal/config"
)

// OpenAIModel adapts the OpenAI chat completions API to eino.
type OpenAIModel struct {
	api   *openai.Client
	model string
}

var _ model.BaseChatModel = (*OpenAIModel)(nil)

// NewOpenAIModel creates a model from the OpenAI settings.
func NewOpenAIModel(cfg config.OpenAIConfig) (*OpenAIModel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required for the openai provider")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIModel{api: openai.NewClientWithConfig(clientCfg), model: cfg.Model}, nil
}

func (m *OpenAIModel) request(input []*schema.Message, opts []model.Option, stream bool) openai.ChatCompletionRequest {
	o := model.GetCommonOptions(&model.Options{}, opts...)

	req := openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: toOpenAIMessages(input),
		Stream:   stream,
	}
	if o.Model != nil && *o.Model != "" {
		req.Model = *o.Model
	}
	if o.Temperature != nil {
		req.Temperature = *o.Temperature
	}
	if o.MaxTokens != nil {
		req.MaxCompletionTokens = *o.MaxTokens
	}
	return req
}

// Generate returns one complete reply.
func (m *OpenAIModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	resp, err := m.api.CreateChatCompletion(ctx, m.request(input, opts, false))
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned empty response")
	}
	return schema.AssistantMessage(resp.Choices[0].Message.Content, nil), nil
}

// Stream forwards content deltas as they arrive.
func (m *OpenAIModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	upstream, err := m.api.CreateChatCompletionStream(ctx, m.request(input, opts, true))
	if err != nil {
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](8)
	go func() {
		defer upstream.Close()
		defer sw.Close()

		for {
			resp, err := upstream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				sw.Send(nil, err)
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if closed := sw.Send(schema.AssistantMessage(resp.Choices[0].Delta.Content, nil), nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

func toOpenAIMessages(in []*schema.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(in))
	for _, msg := range in {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case schema.System:
			role = openai.ChatMessageRoleSystem
		case schema.Assistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return out
}

// EchoModel replies with the last user message, word by word. It needs no
// credentials.
type EchoModel struct{}

var _ model.BaseChatModel = EchoModel{}

func (EchoModel) reply(input []*schema.Message) string {
	for i := len(input) - 1; i >= 0; i-- {
		if input[i].Role == schema.User {
			return fmt.Sprintf("You said: %s", strings.TrimSpace(input[i].Content))
		}
	}
	return "Hello, I am Vera."
}

// Generate returns the whole echo.
func (e EchoModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage(e.reply(input), nil), nil
}

// Stream emits the echo one word per chunk.
func (e EchoModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	words := strings.SplitAfter(e.reply(input), " ")
	chunks := make([]*schema.Message, 0, len(words))
	for _, w := range words {
		if w != "" {
			chunks = append(chunks, schema.AssistantMessage(w, nil))
		}
	}
	return schema.StreamReaderFromArray(chunks), nil
}
