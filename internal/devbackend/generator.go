package devbackend

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/vera/client/internal/config"
)

// SystemPrompt frames every reply.
const SystemPrompt = `You are Vera, an empathetic and knowledgeable guide specializing in peripheral artery disease (P.A.D.).
Give clear, supportive and practical answers about P.A.D. symptoms, risk factors, treatments and prevention.
Keep replies short enough to be spoken aloud. If a question is unrelated to P.A.D., kindly redirect the user.
You do not diagnose; encourage the user to talk with their care team about personal medical decisions.`

// Generator streams assistant replies through an eino chain.
type Generator struct {
	chain  compose.Runnable[map[string]any, *schema.Message]
	system string
}

// NewGenerator compiles the prompt and model into a chain.
func NewGenerator(ctx context.Context, cm model.BaseChatModel, system string) (*Generator, error) {
	if system == "" {
		system = SystemPrompt
	}

	tpl := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(tpl)
	chain.AppendChatModel(cm)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}
	return &Generator{chain: runnable, system: system}, nil
}

// Stream starts a reply to query given the prior conversation.
func (g *Generator) Stream(ctx context.Context, history []Record, query string) (*schema.StreamReader[*schema.Message], error) {
	stream, err := g.chain.Stream(ctx, map[string]any{
		"system":  g.system,
		"history": historyMessages(history),
		"query":   query,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stream chat chain output: %w", err)
	}
	return stream, nil
}

func historyMessages(records []Record) []*schema.Message {
	out := make([]*schema.Message, 0, len(records))
	for _, rec := range records {
		switch rec.Role {
		case "user":
			out = append(out, schema.UserMessage(rec.Content))
		case "assistant":
			out = append(out, schema.AssistantMessage(rec.Content, nil))
		}
	}
	return out
}

// NewChatModel builds the model selected by the dev backend configuration.
func NewChatModel(ctx context.Context, cfg *config.DevBackendConfig) (model.BaseChatModel, error) {
	switch cfg.Provider {
	case "ark":
		return cfg.AI.NewChatModel(ctx)
	case "openai":
		m, err := NewOpenAIModel(cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "echo":
		return EchoModel{}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
