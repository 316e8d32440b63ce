package agents

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/sitedoc/sitedoc/internal/common/config"
	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
	"github.com/sitedoc/sitedoc/internal/common/logger"
)

// ChatTurn is one prior message in an LLM conversation.
type ChatTurn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Completion is the result of one synchronous LLM call, including the
// token counts recorded for usage accounting.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// LLMClient performs synchronous chat completions. Only the PM agent
// uses this path; the other agents run as spawned sessions.
type LLMClient interface {
	Complete(ctx context.Context, model, system string, turns []ChatTurn) (*Completion, error)
}

// GatewayLLM routes completions through the agent host's
// OpenAI-compatible /v1 endpoint.
type GatewayLLM struct {
	client openai.Client
	logger *logger.Logger
}

// NewGatewayLLM creates a client against the configured agent host.
func NewGatewayLLM(cfg config.AgentHostConfig, log *logger.Logger) *GatewayLLM {
	client := openai.NewClient(
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/v1"),
		option.WithAPIKey(cfg.Token),
	)
	return &GatewayLLM{
		client: client,
		logger: log.WithFields(zap.String("component", "llm")),
	}
}

// Complete runs one chat completion and returns the reply with usage.
func (g *GatewayLLM) Complete(ctx context.Context, model, system string, turns []ChatTurn) (*Completion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, turn := range turns {
		if turn.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(turn.Content))
		} else {
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		g.logger.Warn("Chat completion failed", zap.String("model", model), zap.Error(err))
		return nil, apperrors.ServiceUnavailable("llm gateway")
	}
	if len(resp.Choices) == 0 {
		return nil, apperrors.InternalError("llm gateway returned no choices", nil)
	}

	completion := &Completion{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	g.logger.Debug("Chat completion finished",
		zap.String("model", completion.Model),
		zap.Int64("total_tokens", completion.TotalTokens))
	return completion, nil
}
