package engine

import (
	"context"
	"errors"

	"github.com/haasonsaas/maestro/internal/config"
	"github.com/haasonsaas/maestro/internal/llm"
	"github.com/haasonsaas/maestro/internal/quota"
	"github.com/haasonsaas/maestro/internal/skills"
	"github.com/haasonsaas/maestro/internal/store"
	"github.com/haasonsaas/maestro/internal/tools"
)

// candidateChain builds the ordered provider list for one run: the primary
// first, then the configured fallback providers, de-duplicated.
func candidateChain(primary string, cfg config.FallbackConfig) []string {
	out := []string{primary}
	if !cfg.Enabled {
		return out
	}
	seen := map[string]bool{primary: true}
	for _, name := range cfg.Providers {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// IsFallbackEligible classifies an error as transient from the fallback
// loop's point of view. Provider-side failures and anything unrecognized
// advance to the next candidate; caller mistakes, policy rejections, and
// cancellation abort the run.
func IsFallbackEligible(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, quota.ErrRateLimited), errors.Is(err, quota.ErrQuotaExhausted):
		return false
	case errors.Is(err, tools.ErrUnknownTool), errors.Is(err, tools.ErrUnsupportedTransport):
		return false
	case errors.Is(err, skills.ErrUnknownSkill):
		return false
	case errors.Is(err, store.ErrNotFound):
		return false
	case errors.Is(err, llm.ErrProviderCall), errors.Is(err, llm.ErrProviderStream):
		return true
	case errors.Is(err, llm.ErrMissingCredential), errors.Is(err, llm.ErrMissingEndpoint):
		return true
	case errors.Is(err, llm.ErrUnsupportedProvider), errors.Is(err, llm.ErrEmptyEmbedding):
		return true
	default:
		// Unrecognized failures are assumed provider-side.
		return true
	}
}
