// Package llm wraps the LLM calls the core domain depends on behind a
// narrow interface: atomicity tie-breaking, RDD decomposition proposals,
// and auto-research scoping all go through Client, never a provider SDK
// directly. The concrete provider wiring is grounded on the teacher's
// engine.GenkitBrain (internal/engine/brain.go): same provider switch,
// same env-var API key lookup, same Genkit initialization — generalized
// from a chat brain to a single structured Complete call.
package llm

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

// Client is the narrow LLM surface the domain depends on: a single prompt
// in, a single text response out. Schema-constrained callers layer
// StructuredValidator on top of the raw text (§4.4, §4.6 tie-breakers).
type Client interface {
	Complete(ctx context.Context, systemPrompt, prompt string) (string, error)
}

// Config selects and authenticates an LLM provider.
type Config struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible", "openrouter".
	// Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitClient is the Genkit-backed Client. When no API key is available
// for the configured provider it still initializes (Genkit allows a
// pluginless instance) but Complete returns a deterministic placeholder
// rather than erroring, matching the teacher's fallback posture.
type GenkitClient struct {
	g        *genkit.Genkit
	provider string
	model    string
	live     bool
}

// NewGenkitClient initializes Genkit with the configured provider.
func NewGenkitClient(ctx context.Context, cfg Config) *GenkitClient {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	live := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			live = true
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			live = true
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			live = true
		}
	case "openrouter":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			live = true
		}
	case "google", "":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+model),
			)
			live = true
		}
	default:
		slog.Warn("unknown LLM provider, falling back to deterministic responses", "provider", provider)
	}

	if g == nil {
		g = genkit.Init(ctx)
	}
	if live {
		slog.Info("llm client initialized", "provider", provider, "model", model)
	} else {
		slog.Warn("llm provider has no API key; Complete returns a deterministic placeholder", "provider", provider)
	}

	return &GenkitClient{g: g, provider: provider, model: model, live: live}
}

// Complete issues one generation call. Callers needing a JSON verdict should
// wrap the result with StructuredValidator rather than parse it ad hoc.
func (c *GenkitClient) Complete(ctx context.Context, systemPrompt, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	if !c.live {
		return "", fmt.Errorf("llm provider %q has no credentials configured", c.provider)
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(c.provider, c.model)),
		ai.WithPrompt(prompt),
	}
	if strings.TrimSpace(systemPrompt) != "" {
		opts = append(opts, ai.WithSystem(systemPrompt))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return "", fmt.Errorf("llm generate: %w", err)
	}
	return resp.Text(), nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-sonnet-20241022"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5-20250929"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	default:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "google", "":
		return "googleai/" + model
	default:
		return model
	}
}
