package completion

import (
	"context"
	"fmt"

	"elucide/internal/completion/core"
)

// Router resolves a catalog model to its provider and fills in the model's
// defaults before streaming.
type Router struct {
	catalog   Catalog
	providers map[string]core.Streamer
	// override, when set, serves every model regardless of catalog provider.
	override string
}

// NewRouter constructs a router. A non-empty override routes every request
// through that provider name.
func NewRouter(catalog Catalog, providers map[string]core.Streamer, override string) *Router {
	return &Router{catalog: catalog, providers: providers, override: override}
}

// Stream applies catalog defaults and dispatches the request.
func (r *Router) Stream(ctx context.Context, req *core.Request) (<-chan core.Event, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	model, err := r.catalog.Lookup(req.Model)
	if err != nil {
		return nil, err
	}

	name := model.Provider
	if r.override != "" {
		name = r.override
	}
	provider, ok := r.providers[name]
	if !ok || provider == nil {
		return nil, fmt.Errorf("model %s: provider %q is not configured", model.Name, name)
	}

	routed := *req
	if name != ProviderBackend {
		routed.Model = model.UpstreamModel()
	}
	if routed.System == "" {
		routed.System = model.SystemPrompt
	}
	if routed.MaxTokens <= 0 {
		routed.MaxTokens = model.MaxTokens
	}
	if routed.Temperature == nil {
		routed.Temperature = core.Float(model.Temperature)
	}
	return provider.Stream(ctx, &routed)
}
