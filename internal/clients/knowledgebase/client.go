package knowledgebase

import (
	"context"
	"fmt"
	"strings"

	"voice-bridge/internal/functions"
	"voice-bridge/internal/observability"

	"github.com/openai/openai-go"
	openaiOption "github.com/openai/openai-go/option"
)

const systemPrompt = "You answer questions about Alfa Systems interpreter services: requirements, " +
	"assessment, training, pay, and policies. Answer in two or three sentences. If the question " +
	"is outside that scope or you do not know, reply with exactly NO_MATCH."

// Client answers free-text questions against the service knowledge base.
// Satisfies functions.KnowledgeBase.
type Client struct {
	apiKey string
	model  openai.ChatModel
	logger *observability.Logger
}

// NewClient creates a knowledge-base client.
func NewClient(apiKey, model string, logger *observability.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	chatModel := openai.ChatModel(model)
	if model == "" {
		chatModel = openai.ChatModelGPT4oMini
	}
	return &Client{
		apiKey: apiKey,
		model:  chatModel,
		logger: logger,
	}, nil
}

// Search returns an answer passage, or Found=false when the knowledge base
// has no match.
func (c *Client) Search(ctx context.Context, question string) (functions.KnowledgeAnswer, error) {
	if strings.TrimSpace(question) == "" {
		return functions.KnowledgeAnswer{Found: false, Answer: ""}, nil
	}

	client := openai.NewClient(openaiOption.WithAPIKey(c.apiKey))
	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(question),
		},
	})
	if err != nil {
		return functions.KnowledgeAnswer{}, fmt.Errorf("knowledge base query failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return functions.KnowledgeAnswer{}, fmt.Errorf("knowledge base returned no choices")
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" || strings.EqualFold(answer, "NO_MATCH") {
		return functions.KnowledgeAnswer{Found: false, Answer: ""}, nil
	}
	return functions.KnowledgeAnswer{Found: true, Answer: answer}, nil
}
