package intent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitConfig selects the provider plugin for a GenkitBackend.
type GenkitConfig struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	// CompatibleProvider names the model prefix registered for
	// openai_compatible endpoints.
	CompatibleProvider string
}

// GenkitBackend asks a hosted model, through genkit, for a decision.
type GenkitBackend struct {
	g         *genkit.Genkit
	provider  string
	modelName string
}

var defaultModels = map[string]string{
	"google":    "gemini-2.5-flash",
	"anthropic": "claude-sonnet-4-5",
	"openai":    "gpt-4o-mini",
}

// NewGenkitBackend initializes genkit with the plugin for cfg.Provider.
// It returns an error when the provider is unknown or has no API key.
func NewGenkitBackend(ctx context.Context, cfg GenkitConfig) (*GenkitBackend, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("genkit backend: no API key for provider %q", provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: firstNonEmpty(cfg.BaseURL, os.Getenv("ANTHROPIC_BASE_URL")),
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL")),
		}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel(ModelName(provider, cfg.Model)),
		)
	default:
		return nil, fmt.Errorf("genkit backend: unknown provider %q", provider)
	}

	b := &GenkitBackend{g: g, provider: provider, modelName: ModelName(provider, cfg.Model)}
	slog.Info("genkit intent backend initialized", "provider", provider, "model", b.modelName)
	return b, nil
}

func (b *GenkitBackend) Name() string { return "genkit/" + b.provider }

func (b *GenkitBackend) Complete(ctx context.Context, p Prompt) (string, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(b.modelName),
		// WithSystem and WithPrompt format their text.
		ai.WithSystem(strings.ReplaceAll(p.System, "%", "%%")),
	}
	if msgs := turnsToMessages(p.History); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	opts = append(opts, ai.WithPrompt(strings.ReplaceAll(p.Message, "%", "%%")))

	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

// ModelName returns the registry name genkit uses for a provider's model.
func ModelName(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModels[provider]
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

func turnsToMessages(turns []Turn) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(turns))
	for _, t := range turns {
		var role ai.Role
		switch t.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{Role: role, Content: []*ai.Part{ai.NewTextPart(t.Content)}})
	}
	return msgs
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
