package reply

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

	"niraama/internal/config"
)

// Generator produces the companion's reply to a single prompt. Any
// failure means "no reply available"; callers do not distinguish
// transport errors from provider errors.
type Generator interface {
	Reply(ctx context.Context, prompt string) (string, error)
}

const defaultSystemPrompt = "You are Niraama, a gentle mental health companion. " +
	"Listen, validate feelings, and suggest small next steps. " +
	"Never diagnose and never prescribe."

// ModelGenerator backs Generator with an eino chat model.
type ModelGenerator struct {
	chatModel    model.BaseChatModel
	systemPrompt string
}

// NewModelGenerator builds the generator for the configured provider.
func NewModelGenerator(cfg config.ReplyConfig) (*ModelGenerator, error) {
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch cfg.Provider {
	case "openai":
		chatModel, err = openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey: cfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(context.Background(), &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(context.Background(), &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid reply provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", cfg.Provider, err)
	}

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &ModelGenerator{chatModel: chatModel, systemPrompt: systemPrompt}, nil
}

// Reply resolves a single prompt to a single reply string.
func (g *ModelGenerator) Reply(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt cannot be empty")
	}
	out, err := g.chatModel.Generate(ctx, []*schema.Message{
		{Role: schema.System, Content: g.systemPrompt},
		{Role: schema.User, Content: prompt},
	})
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "", errors.New("provider returned an empty reply")
	}
	return out.Content, nil
}
