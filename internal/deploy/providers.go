package deploy

import (
	"fmt"

	"github.com/localrouter/localrouter/providers"
)

// BuildRegistry instantiates every configured provider adapter and
// registers it under its configured name.
func BuildRegistry(cfgs []ProviderConfig) (*providers.Registry, error) {
	reg := providers.NewRegistry()
	for _, pc := range cfgs {
		p, err := buildProvider(pc)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		reg.Register(p)
	}
	return reg, nil
}

func buildProvider(pc ProviderConfig) (providers.Provider, error) {
	key := pc.APIKey()
	switch pc.Type {
	case "openai":
		return providers.NewOpenAI(key, pc.BaseURL)
	case "anthropic":
		return providers.NewAnthropic(key, pc.BaseURL)
	case "azure_openai":
		return providers.NewAzureOpenAI(key, pc.BaseURL, pc.Deployment, pc.APIVersion)
	case "bedrock":
		return providers.NewBedrock(pc.Region)
	case "cohere":
		return providers.NewCohere(key, pc.BaseURL)
	case "deepseek":
		return providers.NewDeepSeek(key, pc.BaseURL)
	case "fireworks":
		return providers.NewFireworks(key, pc.BaseURL)
	case "gemini":
		return providers.NewGemini(key, pc.BaseURL)
	case "groq":
		return providers.NewGroq(key, pc.BaseURL)
	case "mistral":
		return providers.NewMistral(key, pc.BaseURL)
	case "ollama":
		return providers.NewOllama(pc.BaseURL, pc.Models)
	case "perplexity":
		return providers.NewPerplexity(key, pc.BaseURL)
	case "replicate":
		return providers.NewReplicate(key, pc.BaseURL, pc.Models, pc.ImageModels)
	case "together":
		return providers.NewTogether(key, pc.BaseURL)
	case "ai21":
		return providers.NewAI21(key, pc.BaseURL)
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}
