package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"tonechat/internal/config"
	"tonechat/internal/models"
)

// Client turns a prompt and tone into one assistant completion. It holds no
// per-conversation state; every call carries everything the model needs.
type Client struct {
	chatModel model.ToolCallingChatModel
}

// NewClient builds the chat model for the named provider from configuration.
func NewClient(ctx context.Context, provider string, cfg *config.Config) (*Client, error) {
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return &Client{chatModel: chatModel}, nil
}

// Generate produces the assistant reply for one prompt under the given tone.
func (c *Client) Generate(ctx context.Context, prompt string, tone models.Tone) (string, error) {
	resp, err := c.chatModel.Generate(ctx, buildMessages(prompt, tone))
	if err != nil {
		return "", fmt.Errorf("generate completion: %w", err)
	}
	if resp == nil || resp.Content == "" {
		return "", errors.New("provider returned empty completion")
	}
	return resp.Content, nil
}

// buildMessages assembles the two-message exchange sent to the model. The
// prompt goes through verbatim; the tone only shapes the system instruction.
func buildMessages(prompt string, tone models.Tone) []*schema.Message {
	return []*schema.Message{
		{
			Role:    schema.System,
			Content: fmt.Sprintf("You are an assistant that responds in a %s tone.", strings.ToLower(string(tone))),
		},
		{
			Role:    schema.User,
			Content: prompt,
		},
	}
}
