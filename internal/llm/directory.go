package llm

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/maestro/internal/config"
)

// Binding holds the resolved connection parameters for one provider. It is
// immutable once resolved and discarded at call end.
type Binding struct {
	Provider     string
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Directory resolves logical provider names to bindings. It is a pure
// config lookup; resolving the same (provider, model) twice under identical
// configuration yields identical results.
type Directory struct {
	cfg config.LLMConfig
}

// NewDirectory creates a directory over the given LLM configuration.
func NewDirectory(cfg config.LLMConfig) *Directory {
	return &Directory{cfg: cfg}
}

// Resolve maps a provider name (empty means the configured default) and an
// optional model to a binding and the resolved model name.
//
// requireCredential controls whether a missing api_key is an error;
// credential-free resolution serves read-only "what would this resolve to"
// queries.
func (d *Directory) Resolve(provider, model string, requireCredential bool) (Binding, string, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		name = d.cfg.DefaultProvider
	}

	pc, ok := d.cfg.Providers[name]
	if !ok {
		return Binding{}, "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(pc.BaseURL), "/")
	if baseURL == "" {
		return Binding{}, "", fmt.Errorf("%w: %s", ErrMissingEndpoint, name)
	}
	apiKey := strings.TrimSpace(pc.APIKey)
	if requireCredential && apiKey == "" {
		return Binding{}, "", fmt.Errorf("%w: %s", ErrMissingCredential, name)
	}

	resolved := strings.TrimSpace(model)
	if resolved == "" {
		resolved = strings.TrimSpace(pc.DefaultModel)
	}
	if resolved == "" {
		resolved = strings.TrimSpace(d.cfg.DefaultModel)
	}

	binding := Binding{
		Provider:     name,
		APIKey:       apiKey,
		BaseURL:      baseURL,
		DefaultModel: strings.TrimSpace(pc.DefaultModel),
	}
	return binding, resolved, nil
}

// DefaultProvider returns the configured default provider name.
func (d *Directory) DefaultProvider() string { return d.cfg.DefaultProvider }
