package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.LLM.MaxToolSteps != 3 {
		t.Errorf("expected default max_tool_steps 3, got %d", cfg.LLM.MaxToolSteps)
	}
	if cfg.RAG.MaxChunksPerDocument != 256 {
		t.Errorf("expected default max_chunks_per_document 256, got %d", cfg.RAG.MaxChunksPerDocument)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
llm:
  default_provider: deepseek
  default_model: deepseek-chat
  timeout: 30s
  providers:
    deepseek:
      base_url: https://api.deepseek.com/v1
      default_model: deepseek-chat
  fallback:
    enabled: true
    providers: [openai]
quota:
  requests_per_minute: 5
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.DefaultProvider != "deepseek" {
		t.Errorf("default_provider = %q", cfg.LLM.DefaultProvider)
	}
	if cfg.LLM.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", cfg.LLM.Timeout)
	}
	if got := cfg.LLM.Providers["deepseek"].BaseURL; got != "https://api.deepseek.com/v1" {
		t.Errorf("base_url = %q", got)
	}
	if !cfg.LLM.Fallback.Enabled || len(cfg.LLM.Fallback.Providers) != 1 {
		t.Errorf("fallback = %+v", cfg.LLM.Fallback)
	}
	if cfg.Quota.RequestsPerMinute != 5 {
		t.Errorf("requests_per_minute = %d", cfg.Quota.RequestsPerMinute)
	}
	// Untouched sections keep their defaults.
	if cfg.Memory.KeepRecent != 8 {
		t.Errorf("memory.keep_recent = %d", cfg.Memory.KeepRecent)
	}
}

func TestLoadEnvCredentialOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
llm:
  providers:
    openai:
      base_url: https://api.openai.com/v1
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MAESTRO_OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.LLM.Providers["openai"].APIKey; got != "sk-test" {
		t.Errorf("api_key = %q, want env value", got)
	}
}

func TestValidateRejectsUppercaseProvider(t *testing.T) {
	cfg := Default()
	cfg.LLM.Providers["OpenAI"] = ProviderConfig{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for uppercase provider name")
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "oracle"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
