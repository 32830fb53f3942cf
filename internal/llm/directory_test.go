package llm

import (
	"errors"
	"testing"

	"github.com/haasonsaas/maestro/internal/config"
)

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		DefaultProvider: "deepseek",
		DefaultModel:    "fallback-model",
		Providers: map[string]config.ProviderConfig{
			"deepseek": {
				APIKey:       "sk-deepseek",
				BaseURL:      "https://api.deepseek.com/v1/",
				DefaultModel: "deepseek-chat",
			},
			"openai": {
				APIKey:  "sk-openai",
				BaseURL: "https://api.openai.com/v1",
			},
			"gemini": {
				BaseURL:      "https://generativelanguage.googleapis.com/v1beta/openai",
				DefaultModel: "gemini-2.0-flash",
			},
			"broken": {APIKey: "sk-broken"},
		},
	}
}

func TestResolveDefaultsAndTrimsEndpoint(t *testing.T) {
	d := NewDirectory(testLLMConfig())

	binding, model, err := d.Resolve("", "", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if binding.Provider != "deepseek" {
		t.Errorf("provider = %q, want deepseek", binding.Provider)
	}
	if binding.BaseURL != "https://api.deepseek.com/v1" {
		t.Errorf("base_url not trimmed: %q", binding.BaseURL)
	}
	if model != "deepseek-chat" {
		t.Errorf("model = %q, want provider default", model)
	}
}

func TestResolveModelPrecedence(t *testing.T) {
	d := NewDirectory(testLLMConfig())

	// Explicit model wins.
	_, model, err := d.Resolve("deepseek", "deepseek-reasoner", true)
	if err != nil {
		t.Fatal(err)
	}
	if model != "deepseek-reasoner" {
		t.Errorf("model = %q", model)
	}

	// No provider default falls through to the global default.
	_, model, err = d.Resolve("openai", "", true)
	if err != nil {
		t.Fatal(err)
	}
	if model != "fallback-model" {
		t.Errorf("model = %q, want global default", model)
	}
}

func TestResolveErrorClasses(t *testing.T) {
	d := NewDirectory(testLLMConfig())

	if _, _, err := d.Resolve("claude", "", true); !errors.Is(err, ErrUnsupportedProvider) {
		t.Errorf("unknown provider: got %v", err)
	}
	if _, _, err := d.Resolve("broken", "", true); !errors.Is(err, ErrMissingEndpoint) {
		t.Errorf("missing endpoint: got %v", err)
	}
	if _, _, err := d.Resolve("gemini", "", true); !errors.Is(err, ErrMissingCredential) {
		t.Errorf("missing credential: got %v", err)
	}
	// Credential-free resolution succeeds without a key.
	if _, _, err := d.Resolve("gemini", "", false); err != nil {
		t.Errorf("credential-free resolve: %v", err)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	d := NewDirectory(testLLMConfig())

	b1, m1, err1 := d.Resolve("DeepSeek", "deepseek-chat", true)
	b2, m2, err2 := d.Resolve("deepseek", "deepseek-chat", true)
	if err1 != nil || err2 != nil {
		t.Fatalf("errors: %v, %v", err1, err2)
	}
	if b1 != b2 || m1 != m2 {
		t.Errorf("resolution not idempotent: %+v/%s vs %+v/%s", b1, m1, b2, m2)
	}
}
