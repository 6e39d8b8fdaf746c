package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"lexichat/internal/apperr"
	"lexichat/internal/models"
)

// ProviderConfig selects a hosted model for ProviderChat.
type ProviderConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// ProviderChat serves the general chat contract from a hosted chat model.
type ProviderChat struct {
	chatModel model.BaseChatModel
}

var stylePrompts = map[string]string{
	models.StyleGeneral:      "You are a helpful legal assistant. Answer in plain language and point out when a lawyer should be consulted.",
	models.StyleProfessional: "You are a legal analyst. Give a structured answer with the applicable rules, their application and a short conclusion.",
	models.StylePlainSummary: "You are a legal assistant for non-specialists. Answer in at most five short sentences without jargon.",
}

// NewProviderChat builds the chat model the same way for every provider.
func NewProviderChat(ctx context.Context, cfg ProviderConfig) (*ProviderChat, error) {
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch cfg.Provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURL *string
		if cfg.BaseURL != "" {
			baseURL = &cfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURL,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", cfg.Provider, err)
	}
	return &ProviderChat{chatModel: chatModel}, nil
}

// GeneralChat answers with the general chat payload shape.
func (p *ProviderChat) GeneralChat(ctx context.Context, req GeneralChatRequest) ([]byte, error) {
	system, ok := stylePrompts[req.Mode]
	if !ok {
		system = stylePrompts[models.StyleGeneral]
	}
	resp, err := p.chatModel.Generate(ctx, []*schema.Message{
		{Role: schema.System, Content: system},
		{Role: schema.User, Content: req.Message},
	})
	if err != nil {
		return nil, apperr.Transient("provider chat", 0, err)
	}
	return json.Marshal(map[string]string{
		"response":        resp.Content,
		"conversation_id": req.ConversationID,
	})
}
