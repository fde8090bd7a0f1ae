package providers

import "context"

// Base provides common fields and methods shared by REST-based provider
// implementations. Embed this struct to avoid repeating name, apiKey,
// baseURL, health, pricing, and feature-adapter handling across providers.
type Base struct {
	name    string
	apiKey  string
	baseURL string
}

// Name returns the provider name.
func (b *Base) Name() string { return b.name }

// BaseURL returns the provider base URL, satisfying the ProxiableProvider interface.
func (b *Base) BaseURL() string { return b.baseURL }

// HealthCheck reports this provider as healthy by default. Adapters that can
// cheaply probe their upstream (e.g. a models-list call) should override
// this; a failing health check only ever logs a warning upstream in the
// router and never blocks dispatch, so a conservative default is safe.
func (b *Base) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Healthy: true}
}

// Pricing returns the best-effort pricing for model, looked up in
// PricingTable under "<provider>/<model>". Adapters with provider-specific
// pricing sources may override this.
func (b *Base) Pricing(model string) ModelPricing {
	return PricingTable[b.name+"/"+model]
}

// SupportsFeature reports no optional extension support by default.
func (b *Base) SupportsFeature(name string) bool { return false }

// GetFeatureAdapter returns no feature adapter by default.
func (b *Base) GetFeatureAdapter(name string) (FeatureAdapter, bool) { return nil, false }

// ModelsFromList builds a ModelInfo slice from a list of model IDs.
// Provider Models() implementations call this to avoid repetitive boilerplate.
func ModelsFromList(providerName string, ids []string) []ModelInfo {
	models := make([]ModelInfo, len(ids))
	for i, id := range ids {
		models[i] = ModelInfo{
			ID:      id,
			Object:  "model",
			OwnedBy: providerName,
		}
	}
	return models
}

// ProviderSource is a read-only view over a collection of registered providers.
// *Registry implements this interface: handlers that only need to read
// provider info can accept a ProviderSource instead of a concrete *Registry.
type ProviderSource interface {
	Get(name string) (Provider, bool)
	List() []string
	AllModels() []ModelInfo
	FindByModel(model string) (Provider, bool)
}
