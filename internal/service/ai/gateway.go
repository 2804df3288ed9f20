package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"docchat/internal/config"
	"docchat/internal/logger"
	"docchat/internal/models"
)

// Variant selects the model used for a request.
type Variant int

const (
	VariantText Variant = iota
	VariantVision
)

func (v Variant) String() string {
	if v == VariantVision {
		return "vision"
	}
	return "text"
}

// Gateway sends one chat completion request and returns the reply text.
type Gateway interface {
	Complete(ctx context.Context, msgs []models.Message, variant Variant, maxTokens int) (string, error)
}

// chatModelFactory builds a provider chat model. Tests replace it.
var chatModelFactory = newChatModel

func newChatModel(ctx context.Context, provider string, prov config.ProviderConfig, modelName, apiKey string) (model.BaseChatModel, error) {
	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: prov.BaseURL,
			Model:   modelName,
			APIKey:  apiKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURL *string
		if prov.BaseURL != "" {
			baseURL = &prov.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    apiKey,
			Model:     modelName,
			BaseURL:   baseURL,
			MaxTokens: 1024,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// Registry hands out gateways for the current credential. Constructed
// provider models are cached per provider, variant and key.
type Registry struct {
	provider string
	prov     config.ProviderConfig
	creds    *Credentials
	models   *cache.Cache
	log      *zap.Logger
}

func NewRegistry(provider string, prov config.ProviderConfig, creds *Credentials, log *zap.Logger) *Registry {
	return &Registry{
		provider: provider,
		prov:     prov,
		creds:    creds,
		models:   cache.New(time.Hour, 10*time.Minute),
		log:      logger.OrNop(log),
	}
}

// Configured reports whether a credential is present.
func (r *Registry) Configured() bool {
	return r.creds.Configured()
}

// Gateway returns a gateway bound to the current credential, or a
// ConfigurationError when none is set.
func (r *Registry) Gateway() (Gateway, error) {
	apiKey := r.creds.APIKey()
	if apiKey == "" {
		return nil, &models.ConfigurationError{Message: "model API key is not configured"}
	}
	return &chatGateway{registry: r, apiKey: apiKey}, nil
}

func (r *Registry) chatModel(ctx context.Context, variant Variant, apiKey string) (model.BaseChatModel, error) {
	name := r.prov.TextModel
	if variant == VariantVision {
		name = r.prov.VisionModel
	}
	sum := sha256.Sum256([]byte(apiKey))
	key := fmt.Sprintf("%s:%s:%s", r.provider, name, hex.EncodeToString(sum[:8]))
	if cached, ok := r.models.Get(key); ok {
		return cached.(model.BaseChatModel), nil
	}
	cm, err := chatModelFactory(ctx, r.provider, r.prov, name, apiKey)
	if err != nil {
		return nil, err
	}
	r.models.SetDefault(key, cm)
	r.log.Debug("chat model ready", zap.String("provider", r.provider), zap.String("model", name))
	return cm, nil
}

type chatGateway struct {
	registry *Registry
	apiKey   string
}

func (g *chatGateway) Complete(ctx context.Context, msgs []models.Message, variant Variant, maxTokens int) (string, error) {
	cm, err := g.registry.chatModel(ctx, variant, g.apiKey)
	if err != nil {
		return "", &models.UpstreamError{Message: "init model", Err: err}
	}
	input := toSchemaMessages(msgs)
	if len(input) == 0 {
		return "", &models.UpstreamError{Message: "empty model request"}
	}
	var opts []model.Option
	if maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(maxTokens))
	}
	resp, err := cm.Generate(ctx, input, opts...)
	if err != nil {
		return "", &models.UpstreamError{Message: fmt.Sprintf("%s model request failed", variant), Err: err}
	}
	if resp == nil {
		return "", &models.UpstreamError{Message: "model returned no message", Err: errors.New("nil response")}
	}
	return resp.Content, nil
}
