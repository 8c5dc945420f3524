package crew

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const defaultClaudeModel = "claude-sonnet-4-20250514"

// ClaudeConfig configures the hosted generator.
type ClaudeConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// ClaudeGenerator produces agent text through the Anthropic Messages API.
type ClaudeGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int
	logger    *zap.Logger
}

var _ Generator = (*ClaudeGenerator)(nil)

// NewClaudeGenerator builds a generator from config. The API key is
// required; model and max tokens fall back to defaults.
func NewClaudeGenerator(cfg ClaudeConfig, logger *zap.Logger) (*ClaudeGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultClaudeModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := anthropic.NewClient(
		option.WithAPIKey(cfg.APIKey),
	)

	logger.Debug("claude generator initialized",
		zap.String("model", cfg.Model),
		zap.Int("max_tokens", cfg.MaxTokens))

	return &ClaudeGenerator{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    logger,
	}, nil
}

// Generate sends one user prompt with an optional system prompt and
// returns the concatenated text blocks of the reply.
func (g *ClaudeGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: int64(g.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic message: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("anthropic message: empty response")
	}
	return text.String(), nil
}
