package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aide-sh/aide/pkg/schema"
)

const defaultModel = anthropic.ModelClaude3_5HaikuLatest

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// Config holds credentials and model selection for the Anthropic client.
// Empty fields fall back to ANTHROPIC_API_KEY / ANTHROPIC_AUTH_TOKEN /
// ANTHROPIC_BASE_URL environment variables.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewAnthropicClient builds a client from the given config.
func NewAnthropicClient(cfg Config) (*AnthropicClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_AUTH_TOKEN")
	}
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured and no ANTHROPIC_API_KEY/ANTHROPIC_AUTH_TOKEN env var found")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("ANTHROPIC_BASE_URL")
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	return &AnthropicClient{
		client: anthropic.NewClient(clientOpts...),
		model:  model,
	}, nil
}

// Complete sends a single-turn completion request and returns the text reply.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", schema.NewError(schema.ErrCodeTimeout, "completion timed out").WithCause(err)
		}
		return "", schema.NewError(schema.ErrCodeLLM, "completion request failed").WithCause(err)
	}

	text := extractText(msg)
	if text == "" {
		return "", schema.NewError(schema.ErrCodeLLM, "completion returned no text")
	}
	return text, nil
}

// extractText pulls all text blocks from the message into a single string.
func extractText(msg *anthropic.Message) string {
	if msg == nil {
		return ""
	}
	var parts []string
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
