package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// DefaultModel is used when no chat model is configured.
const DefaultModel = openai.GPT4oMini

// OpenAIClient is a thin chat completion client shared by every call.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

func NewOpenAIClient(client *openai.Client, model string, logger *zap.Logger) (*OpenAIClient, error) {
	if client == nil {
		return nil, errors.New("llm: openai client is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		client: client,
		model:  model,
		logger: logger.With(zap.String("component", "openai_chat")),
	}, nil
}

// Complete sends messages and returns the first choice's content.
func (c *OpenAIClient) Complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: chat completion returned no choices")
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	c.logger.Debug("completion",
		zap.Int("messages", len(messages)),
		zap.Int("total_tokens", resp.Usage.TotalTokens))
	return reply, nil
}

// Completer is the part of OpenAIClient a Conversation needs.
type Completer interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error)
}

// Conversation keeps one call's chat history. Only the last maxHistory
// user/assistant messages are sent; the system prompt always leads.
type Conversation struct {
	completer  Completer
	system     string
	maxHistory int

	mu      sync.Mutex
	history []openai.ChatCompletionMessage
}

func NewConversation(completer Completer, systemPrompt string, maxHistory int) *Conversation {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Conversation{
		completer:  completer,
		system:     systemPrompt,
		maxHistory: maxHistory,
	}
}

// DefaultMaxHistory bounds the history sent per request.
const DefaultMaxHistory = 10

// Reply appends text as a user message, asks for a completion and records the
// answer. A failed completion leaves the history unchanged.
func (c *Conversation) Reply(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
	messages := c.window(append(c.history, user))

	reply, err := c.completer.Complete(ctx, messages)
	if err != nil {
		return "", err
	}
	c.history = c.trim(append(c.history, user, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: reply,
	}))
	return reply, nil
}

// History returns a copy of the recorded user and assistant messages.
func (c *Conversation) History() []openai.ChatCompletionMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]openai.ChatCompletionMessage(nil), c.history...)
}

func (c *Conversation) window(history []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	history = c.trim(history)
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if c.system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.system,
		})
	}
	return append(messages, history...)
}

// trim drops whole user/assistant pairs from the front so the kept window
// always opens on a user message.
func (c *Conversation) trim(history []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	if len(history) <= c.maxHistory {
		return history
	}
	drop := len(history) - c.maxHistory
	drop += drop % 2
	return append([]openai.ChatCompletionMessage(nil), history[drop:]...)
}
